package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type recordedRequest struct {
	method  domain.Method
	payload interface{}
}

type recordedEmit struct {
	event   domain.SignalEvent
	payload interface{}
}

// fakeSignaling answers requests from per-method handlers. A gate, when set,
// holds requests of that method until it is closed.
type fakeSignaling struct {
	mu       sync.Mutex
	handlers map[domain.Method]func(payload interface{}) (interface{}, error)
	gates    map[domain.Method]chan struct{}
	requests []recordedRequest
	emits    []recordedEmit
	on       map[domain.SignalEvent]func(json.RawMessage)
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		handlers: make(map[domain.Method]func(interface{}) (interface{}, error)),
		gates:    make(map[domain.Method]chan struct{}),
		on:       make(map[domain.SignalEvent]func(json.RawMessage)),
	}
}

// newRouterSignaling answers the SFU endpoints like a healthy router.
func newRouterSignaling() *fakeSignaling {
	f := newFakeSignaling()
	f.handle(domain.MethodGetRTPCapabilities, func(interface{}) (interface{}, error) {
		return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
			{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
		}}, nil
	})
	f.handle(domain.MethodCreateSendTransport, func(interface{}) (interface{}, error) {
		return domain.TransportOptions{ID: "send-1"}, nil
	})
	f.handle(domain.MethodCreateReceiveTransport, func(interface{}) (interface{}, error) {
		return domain.TransportOptions{ID: "recv-1"}, nil
	})
	f.handle(domain.MethodSendTrack, func(p interface{}) (interface{}, error) {
		req := p.(domain.SendTrackRequest)
		return domain.SendTrackResponse{ID: "router-" + string(req.Kind)}, nil
	})
	f.handle(domain.MethodConsume, func(p interface{}) (interface{}, error) {
		req := p.(domain.ConsumeRequest)
		return domain.ConsumeResponse{
			ID:         domain.ConsumerID("consumer-" + req.ProducerID),
			ProducerID: req.ProducerID,
			Kind:       domain.KindAudio,
		}, nil
	})
	return f
}

func (f *fakeSignaling) handle(method domain.Method, h func(payload interface{}) (interface{}, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeSignaling) gate(method domain.Method) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[method] = ch
	return ch
}

func (f *fakeSignaling) Request(ctx context.Context, method domain.Method, payload interface{}, response interface{}) error {
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{method: method, payload: payload})
	h := f.handlers[method]
	gate := f.gates[method]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h == nil {
		return nil
	}
	resp, err := h(payload)
	if err != nil {
		return err
	}
	if response != nil && resp != nil {
		b, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, response)
	}
	return nil
}

func (f *fakeSignaling) Emit(ctx context.Context, event domain.SignalEvent, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, recordedEmit{event: event, payload: payload})
	return nil
}

func (f *fakeSignaling) On(event domain.SignalEvent, handler func(json.RawMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.on[event]; ok {
		return domain.ErrHandlerRegistered
	}
	f.on[event] = handler
	return nil
}

func (f *fakeSignaling) push(event domain.SignalEvent, payload interface{}) {
	f.mu.Lock()
	h := f.on[event]
	f.mu.Unlock()
	b, _ := json.Marshal(payload)
	h(b)
}

func (f *fakeSignaling) methods() []domain.Method {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Method, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.method)
	}
	return out
}

func (f *fakeSignaling) count(method domain.Method) int {
	n := 0
	for _, m := range f.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeSignaling) emitted(event domain.SignalEvent) []recordedEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEmit
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeRemoteTrack struct {
	id   string
	kind domain.MediaKind
}

func (t *fakeRemoteTrack) ID() string                    { return t.id }
func (t *fakeRemoteTrack) Kind() domain.MediaKind        { return t.kind }
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

type fakeProducer struct {
	mu      sync.Mutex
	id      string
	kind    domain.MediaKind
	trackID domain.TrackID
	paused  bool
	closed  bool
}

func (p *fakeProducer) ID() string              { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind  { return p.kind }
func (p *fakeProducer) TrackID() domain.TrackID { return p.trackID }
func (p *fakeProducer) Pause() error            { p.mu.Lock(); p.paused = true; p.mu.Unlock(); return nil }
func (p *fakeProducer) Resume() error           { p.mu.Lock(); p.paused = false; p.mu.Unlock(); return nil }
func (p *fakeProducer) Close() error            { p.mu.Lock(); p.closed = true; p.mu.Unlock(); return nil }

type fakeConsumer struct {
	mu         sync.Mutex
	id         domain.ConsumerID
	producerID string
	kind       domain.MediaKind
	track      *fakeRemoteTrack
	paused     bool
	closed     bool
}

func (c *fakeConsumer) ID() domain.ConsumerID     { return c.id }
func (c *fakeConsumer) ProducerID() string        { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind    { return c.kind }
func (c *fakeConsumer) Track() domain.RemoteTrack { return c.track }
func (c *fakeConsumer) Pause() error              { c.mu.Lock(); c.paused = true; c.mu.Unlock(); return nil }
func (c *fakeConsumer) Resume() error             { c.mu.Lock(); c.paused = false; c.mu.Unlock(); return nil }
func (c *fakeConsumer) Close() error              { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu        sync.Mutex
	id        domain.TransportID
	dir       domain.TransportDirection
	onConnect ports.ConnectFunc
	onProduce ports.ProduceFunc
	onState   func(string)
	producers []*fakeProducer
	consumers []*fakeConsumer
	closed    bool
}

func (t *fakeTransport) ID() domain.TransportID               { return t.id }
func (t *fakeTransport) Direction() domain.TransportDirection { return t.dir }
func (t *fakeTransport) OnConnect(fn ports.ConnectFunc)       { t.onConnect = fn }
func (t *fakeTransport) OnProduce(fn ports.ProduceFunc)       { t.onProduce = fn }
func (t *fakeTransport) OnConnectionStateChange(fn func(string)) {
	t.onState = fn
}

func (t *fakeTransport) Produce(ctx context.Context, track webrtc.TrackLocal, opts domain.LocalProducer) (ports.MediaProducer, error) {
	if err := t.onConnect(ctx, domain.DTLSParameters{Role: "client"}); err != nil {
		return nil, err
	}
	id, err := t.onProduce(ctx, opts.Kind(), domain.RTPParameters{})
	if err != nil {
		return nil, err
	}
	p := &fakeProducer{id: id, kind: opts.Kind(), trackID: domain.TrackID(track.ID())}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, opts ports.ConsumeOptions) (ports.MediaConsumer, error) {
	c := &fakeConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		track:      &fakeRemoteTrack{id: "track-" + string(opts.ID), kind: opts.Kind},
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// setState simulates a connection state change reported by the engine.
func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) setState(state string) {
	t.onState(state)
}

func (t *fakeTransport) allConsumers() []*fakeConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeConsumer(nil), t.consumers...)
}

type fakeDevice struct {
	mu         sync.Mutex
	loaded     bool
	loadErr    error
	cannot     map[domain.MediaKind]bool
	caps       domain.RTPCapabilities
	transports []*fakeTransport
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{cannot: make(map[domain.MediaKind]bool)}
}

func (d *fakeDevice) Load(caps domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loadErr != nil {
		return d.loadErr
	}
	d.caps = caps
	d.loaded = true
	return nil
}

func (d *fakeDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *fakeDevice) CanProduce(kind domain.MediaKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.cannot[kind]
}

func (d *fakeDevice) RTPCapabilities() domain.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *fakeDevice) CreateSendTransport(opts domain.TransportOptions) (ports.MediaTransport, error) {
	return d.newTransport(opts, domain.DirectionSend), nil
}

func (d *fakeDevice) CreateReceiveTransport(opts domain.TransportOptions) (ports.MediaTransport, error) {
	return d.newTransport(opts, domain.DirectionReceive), nil
}

func (d *fakeDevice) newTransport(opts domain.TransportOptions, dir domain.TransportDirection) *fakeTransport {
	t := &fakeTransport{id: opts.ID, dir: dir}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t
}

// transport returns the latest transport of a direction.
func (d *fakeDevice) transport(dir domain.TransportDirection) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.transports) - 1; i >= 0; i-- {
		if d.transports[i].dir == dir {
			return d.transports[i]
		}
	}
	return nil
}

type fakeSender struct {
	trackID domain.TrackID
}

func (s *fakeSender) TrackID() domain.TrackID { return s.trackID }

type fakePeerConnection struct {
	mu         sync.Mutex
	hasRemote  bool
	local      []domain.SessionDescription
	remote     []domain.SessionDescription
	candidates []domain.ICECandidateInit
	added      []domain.TrackID
	removed    []domain.TrackID
	keyFrames  int
	rollbacks  int
	closed     bool

	onCandidate func(*domain.ICECandidateInit)
	onTrack     func(domain.RemoteTrack)
	onState     func(string)
}

const fakeSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func (pc *fakePeerConnection) CreateOffer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: fakeSDP}, nil
}

func (pc *fakePeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: fakeSDP}, nil
}

func (pc *fakePeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.local = append(pc.local, desc)
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.remote = append(pc.remote, desc)
	pc.hasRemote = true
	return nil
}

func (pc *fakePeerConnection) Rollback() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.rollbacks++
	return nil
}

func (pc *fakePeerConnection) HasRemoteDescription() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.hasRemote
}

func (pc *fakePeerConnection) AddICECandidate(c domain.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.hasRemote {
		return fmt.Errorf("no remote description")
	}
	pc.candidates = append(pc.candidates, c)
	return nil
}

func (pc *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	id := domain.TrackID(track.ID())
	pc.added = append(pc.added, id)
	return &fakeSender{trackID: id}, nil
}

func (pc *fakePeerConnection) RemoveTrack(sender ports.Sender) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.removed = append(pc.removed, sender.TrackID())
	return nil
}

func (pc *fakePeerConnection) OnICECandidate(fn func(*domain.ICECandidateInit)) { pc.onCandidate = fn }
func (pc *fakePeerConnection) OnTrack(fn func(domain.RemoteTrack))              { pc.onTrack = fn }
func (pc *fakePeerConnection) OnConnectionStateChange(fn func(string))          { pc.onState = fn }

func (pc *fakePeerConnection) RequestKeyFrame(track domain.RemoteTrack) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.keyFrames++
	return nil
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePeerConnection) resetTrackLog() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.added = nil
	pc.removed = nil
}

func (pc *fakePeerConnection) trackLog() (added, removed []domain.TrackID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.TrackID(nil), pc.added...), append([]domain.TrackID(nil), pc.removed...)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakePeerConnection
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc := &fakePeerConnection{}
	f.mu.Lock()
	f.conns = append(f.conns, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func newLocalTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id,
		"stage",
	)
	if err != nil {
		panic(err)
	}
	return track
}

type fakeTrackSource struct {
	mu       sync.Mutex
	failing  map[domain.MediaKind]bool
	acquired map[domain.MediaKind]int
	released map[domain.MediaKind]int
}

func newFakeTrackSource() *fakeTrackSource {
	return &fakeTrackSource{
		failing:  make(map[domain.MediaKind]bool),
		acquired: make(map[domain.MediaKind]int),
		released: make(map[domain.MediaKind]int),
	}
}

func (s *fakeTrackSource) Acquire(kind domain.MediaKind) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[kind] {
		return nil, fmt.Errorf("no %s device", kind)
	}
	s.acquired[kind]++
	return newLocalTrack("local-" + string(kind)), nil
}

func (s *fakeTrackSource) Release(kind domain.MediaKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[kind]++
}

// fakeDirectory is an in-process directory whose feed is driven by the test.
type fakeDirectory struct {
	mu        sync.Mutex
	localID   domain.ParticipantID
	connected bool
	feed      chan domain.DirectoryEvent
	nextID    int
	published map[domain.ProducerID]domain.ProducerDescriptor
	intents   []domain.Intent
	volumes   map[string]float64
	stage     domain.StageID
	// failPublish is the number of PublishProducer calls still to fail.
	failPublish int
}

func newFakeDirectory(localID domain.ParticipantID) *fakeDirectory {
	return &fakeDirectory{
		localID:   localID,
		feed:      make(chan domain.DirectoryEvent, 64),
		published: make(map[domain.ProducerID]domain.ProducerDescriptor),
		volumes:   make(map[string]float64),
	}
}

func (d *fakeDirectory) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *fakeDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDirectory) LocalID() domain.ParticipantID { return d.localID }

func (d *fakeDirectory) CreateStage(ctx context.Context, name string) (domain.StageID, error) {
	return domain.StageID("stage-" + name), nil
}

func (d *fakeDirectory) JoinStage(ctx context.Context, id domain.StageID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stage = id
	return nil
}

func (d *fakeDirectory) LeaveStage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stage = ""
	return nil
}

func (d *fakeDirectory) Subscribe(ctx context.Context) (<-chan domain.DirectoryEvent, error) {
	return d.feed, nil
}

func (d *fakeDirectory) PublishProducer(ctx context.Context, desc domain.ProducerDescriptor) (domain.ProducerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPublish > 0 {
		d.failPublish--
		return "", fmt.Errorf("directory unavailable")
	}
	d.nextID++
	id := domain.ProducerID(fmt.Sprintf("global-%d", d.nextID))
	d.published[id] = desc
	return id, nil
}

func (d *fakeDirectory) UnpublishProducer(ctx context.Context, id domain.ProducerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.published, id)
	return nil
}

func (d *fakeDirectory) SetVolume(ctx context.Context, targetID string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[targetID] = value
	return nil
}

func (d *fakeDirectory) UpdateDevice(ctx context.Context, intent domain.Intent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = append(d.intents, intent)
	return nil
}

func (d *fakeDirectory) publishedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published)
}

// eventRecorder counts lifecycle events per kind.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func recordEvents(bus *EventBus) *eventRecorder {
	r := &eventRecorder{}
	bus.OnAll(func(ev domain.LifecycleEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *eventRecorder) of(kind domain.LifecycleKind) []domain.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LifecycleEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(kind domain.LifecycleKind) int {
	return len(r.of(kind))
}

func (r *eventRecorder) kinds() []domain.LifecycleKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LifecycleKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}
