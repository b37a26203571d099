package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"
	apperrors "stagewire/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ProducerRecord is the session-level view of a local producer.
type ProducerRecord struct {
	ID       domain.ProducerID
	GlobalID domain.ProducerID
	Kind     domain.MediaKind
	TrackID  domain.TrackID
	Paused   bool
}

type producerEntry struct {
	producer ports.MediaProducer
	options  domain.LocalProducer
	globalID domain.ProducerID
	paused   bool
}

func (e *producerEntry) record() ProducerRecord {
	return ProducerRecord{
		ID:       domain.ProducerID(e.producer.ID()),
		GlobalID: e.globalID,
		Kind:     e.options.Kind(),
		TrackID:  e.producer.TrackID(),
		Paused:   e.paused,
	}
}

// consumerEntry exists from the first CreateConsumer call on. consumer is nil
// while the consume round-trip is in flight; done is closed when it resolves.
type consumerEntry struct {
	producer   domain.GlobalProducer
	consumer   ports.MediaConsumer
	paused     bool
	generation uint64
	removed    bool
	done       chan struct{}
	err        error
}

func (e *consumerEntry) view() *domain.Consumer {
	return &domain.Consumer{
		ID:               e.consumer.ID(),
		GlobalProducerID: e.producer.ID,
		OwnerID:          e.producer.OwnerID,
		Kind:             e.producer.Kind,
		Paused:           e.paused,
	}
}

// TransportManager owns the SFU send/receive transports of one session and
// every producer and consumer on them.
type TransportManager struct {
	signaling ports.SignalingChannel
	device    ports.MediaDevice
	directory ports.Directory
	events    *EventBus
	logger    *zap.SugaredLogger
	localID   domain.ParticipantID
	routerID  domain.RouterID

	mu         sync.Mutex
	state      domain.SessionState
	connecting bool
	generation uint64
	send       ports.MediaTransport
	recv       ports.MediaTransport
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ProducerID]*consumerEntry
}

func NewTransportManager(
	signaling ports.SignalingChannel,
	device ports.MediaDevice,
	directory ports.Directory,
	events *EventBus,
	localID domain.ParticipantID,
	routerID domain.RouterID,
	logger *zap.SugaredLogger,
) *TransportManager {
	return &TransportManager{
		signaling: signaling,
		device:    device,
		directory: directory,
		events:    events,
		logger:    logger,
		localID:   localID,
		routerID:  routerID,
		state:     domain.StateDisconnected,
		producers: make(map[domain.ProducerID]*producerEntry),
		consumers: make(map[domain.ProducerID]*consumerEntry),
	}
}

func (m *TransportManager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *TransportManager) setState(s domain.SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.logger.Debugw("SFU session state", "state", s.String())
}

// Connect runs the session state machine from disconnected to connected.
func (m *TransportManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == domain.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.connecting {
		m.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", domain.ErrInvalidState)
	}
	m.connecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	var caps domain.RTPCapabilities
	if err := m.signaling.Request(ctx, domain.MethodGetRTPCapabilities, nil, &caps); err != nil {
		return fmt.Errorf("get router capabilities: %w", err)
	}
	m.setState(domain.StateCapabilitiesFetched)

	if !m.device.Loaded() {
		if err := m.device.Load(caps); err != nil {
			m.setState(domain.StateDisconnected)
			return fmt.Errorf("load device: %w", err)
		}
	}
	m.setState(domain.StateDeviceLoaded)

	send, err := m.createTransport(ctx, domain.DirectionSend)
	if err != nil {
		m.setState(domain.StateDisconnected)
		return err
	}
	recv, err := m.createTransport(ctx, domain.DirectionReceive)
	if err != nil {
		send.Close()
		m.setState(domain.StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.generation++
	m.send = send
	m.recv = recv
	m.state = domain.StateTransportsCreated
	m.mu.Unlock()

	m.setState(domain.StateConnected)
	m.logger.Infow("SFU session connected",
		"send_transport", send.ID(),
		"receive_transport", recv.ID(),
	)
	m.events.Emit(domain.LifecycleEvent{Kind: domain.Connected})
	return nil
}

func (m *TransportManager) createTransport(ctx context.Context, dir domain.TransportDirection) (ports.MediaTransport, error) {
	method := domain.MethodCreateSendTransport
	req := domain.CreateTransportRequest{}
	if dir == domain.DirectionReceive {
		method = domain.MethodCreateReceiveTransport
		caps := m.device.RTPCapabilities()
		req.RTPCapabilities = &caps
	}

	var opts domain.TransportOptions
	if err := m.signaling.Request(ctx, method, req, &opts); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var (
		t   ports.MediaTransport
		err error
	)
	if dir == domain.DirectionSend {
		t, err = m.device.CreateSendTransport(opts)
	} else {
		t, err = m.device.CreateReceiveTransport(opts)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}

	t.OnConnect(func(ctx context.Context, params domain.DTLSParameters) error {
		return m.signaling.Request(ctx, domain.MethodConnectTransport, domain.ConnectTransportRequest{
			TransportID:    t.ID(),
			DTLSParameters: params,
		}, nil)
	})
	if dir == domain.DirectionSend {
		t.OnProduce(func(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (string, error) {
			var resp domain.SendTrackResponse
			err := m.signaling.Request(ctx, domain.MethodSendTrack, domain.SendTrackRequest{
				TransportID:   t.ID(),
				Kind:          kind,
				RTPParameters: params,
			}, &resp)
			if err != nil {
				return "", err
			}
			return resp.ID, nil
		})
	}
	t.OnConnectionStateChange(func(state string) {
		if domain.TransportLostState(state) {
			m.transportLost(t, state)
		}
	})

	return t, nil
}

// transportLost tears down everything on the session without talking to the
// router. Events from transports of an earlier generation are ignored.
func (m *TransportManager) transportLost(t ports.MediaTransport, state string) {
	m.mu.Lock()
	if t != m.send && t != m.recv {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	lost := &domain.TransportLostError{
		TransportID: t.ID(),
		Direction:   t.Direction(),
		State:       state,
	}
	m.logger.Warnw("SFU transport lost",
		"transport_id", t.ID(),
		"direction", t.Direction(),
		"state", state,
	)
	m.teardown()
	m.events.Emit(domain.LifecycleEvent{
		Kind:        domain.TransportLost,
		TransportID: t.ID(),
		Err:         lost,
	})
}

// teardown closes every producer, consumer and transport locally.
func (m *TransportManager) teardown() {
	m.mu.Lock()
	if m.send == nil && m.recv == nil {
		m.state = domain.StateDisconnected
		m.mu.Unlock()
		return
	}
	m.generation++
	send, recv := m.send, m.recv
	m.send, m.recv = nil, nil
	m.state = domain.StateDisconnected

	producers := m.producers
	consumers := m.consumers
	m.producers = make(map[domain.ProducerID]*producerEntry)
	m.consumers = make(map[domain.ProducerID]*consumerEntry)
	for _, e := range consumers {
		e.removed = true
	}
	m.mu.Unlock()

	for _, id := range sortedConsumerKeys(consumers) {
		e := consumers[id]
		if e.consumer == nil {
			continue
		}
		if err := e.consumer.Close(); err != nil {
			m.logger.Debugw("Failed to close consumer", "consumer_id", e.consumer.ID(), "error", err)
		}
		m.events.Emit(domain.LifecycleEvent{
			Kind:             domain.ConsumerRemoved,
			ConsumerID:       e.consumer.ID(),
			GlobalProducerID: e.producer.ID,
			ParticipantID:    e.producer.OwnerID,
			MediaKind:        e.producer.Kind,
		})
	}

	for _, e := range producers {
		if err := e.producer.Close(); err != nil {
			m.logger.Debugw("Failed to close producer", "producer_id", e.producer.ID(), "error", err)
		}
		m.unpublish(e.globalID)
		m.events.Emit(domain.LifecycleEvent{
			Kind:             domain.LocalProducerRemoved,
			ProducerID:       domain.ProducerID(e.producer.ID()),
			GlobalProducerID: e.globalID,
			MediaKind:        e.options.Kind(),
		})
	}

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}

func (m *TransportManager) unpublish(globalID domain.ProducerID) {
	if globalID == "" || m.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.directory.UnpublishProducer(ctx, globalID); err != nil {
		m.logger.Warnw("Failed to unpublish producer", "global_producer_id", globalID, "error", err)
	}
}

// Disconnect closes the session locally.
func (m *TransportManager) Disconnect(ctx context.Context) error {
	m.teardown()
	m.logger.Infow("SFU session disconnected")
	m.events.Emit(domain.LifecycleEvent{Kind: domain.Disconnected})
	return nil
}

// CreateProducer produces track on the send transport and publishes it to
// the directory. It returns (nil, nil) when the device cannot produce the
// kind at all.
func (m *TransportManager) CreateProducer(ctx context.Context, track webrtc.TrackLocal, opts domain.LocalProducer) (*ProducerRecord, error) {
	m.mu.Lock()
	if m.state != domain.StateConnected {
		m.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	send := m.send
	gen := m.generation
	m.mu.Unlock()

	kind := opts.Kind()
	if !m.device.CanProduce(kind) {
		m.logger.Warnw("Device cannot produce media kind",
			"kind", kind,
			"error", &domain.CapabilityMismatchError{Kind: kind, Reason: "no matching codec"},
		)
		return nil, nil
	}

	producer, err := send.Produce(ctx, track, opts)
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", kind, err)
	}

	entry := &producerEntry{producer: producer, options: opts}
	id := domain.ProducerID(producer.ID())

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		producer.Close()
		return nil, domain.ErrNotConnected
	}
	m.producers[id] = entry
	m.mu.Unlock()

	if m.directory != nil {
		globalID, err := m.directory.PublishProducer(ctx, domain.ProducerDescriptor{
			OwnerID:          m.localID,
			RouterID:         m.routerID,
			DeviceID:         domain.ProducerDevice(opts),
			Kind:             kind,
			RouterProducerID: string(id),
		})
		if err != nil {
			m.discardProducer(ctx, id, entry)
			return nil, fmt.Errorf("publish producer %s: %w", id, err)
		}
		m.mu.Lock()
		entry.globalID = globalID
		m.mu.Unlock()
	}

	m.mu.Lock()
	rec := entry.record()
	m.mu.Unlock()

	m.logger.Infow("Producer created", "producer_id", id, "global_producer_id", rec.GlobalID, "kind", kind)
	m.events.Emit(domain.LifecycleEvent{
		Kind:             domain.LocalProducerAdded,
		ProducerID:       id,
		GlobalProducerID: rec.GlobalID,
		MediaKind:        kind,
		TrackID:          producer.TrackID(),
	})
	return &rec, nil
}

// discardProducer undoes a producer nobody else can see: closed on the
// router, then locally.
func (m *TransportManager) discardProducer(ctx context.Context, id domain.ProducerID, e *producerEntry) {
	m.mu.Lock()
	if m.producers[id] == e {
		delete(m.producers, id)
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := m.signaling.Request(cctx, domain.MethodCloseProducer, domain.EntityRequest{ID: string(id)}, nil)
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		m.logger.Warnw("Failed to close unpublished producer", "producer_id", id, "error", err)
	}
	e.producer.Close()
}

// CreateConsumer consumes a global producer on the receive transport. It is
// idempotent per global producer ID: concurrent or repeated calls wait for
// and return the same consumer. A result that resolves after the producer
// was removed or the session went away is discarded and (nil, nil) returned.
func (m *TransportManager) CreateConsumer(ctx context.Context, producer domain.GlobalProducer) (*domain.Consumer, error) {
	m.mu.Lock()
	if m.state != domain.StateConnected {
		m.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	if e, ok := m.consumers[producer.ID]; ok {
		m.mu.Unlock()
		return m.await(ctx, e)
	}

	entry := &consumerEntry{
		producer:   producer,
		generation: m.generation,
		done:       make(chan struct{}),
	}
	m.consumers[producer.ID] = entry
	recv := m.recv
	m.mu.Unlock()

	var resp domain.ConsumeResponse
	consumer, err := m.consume(ctx, recv, producer, &resp)

	m.mu.Lock()
	stale := entry.removed || entry.generation != m.generation
	connected := entry.generation == m.generation
	if err != nil || stale {
		if m.consumers[producer.ID] == entry {
			delete(m.consumers, producer.ID)
		}
		entry.err = err
		close(entry.done)
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		m.logger.Debugw("Discarding consumer for removed producer",
			"global_producer_id", producer.ID,
			"consumer_id", consumer.ID(),
		)
		consumer.Close()
		if connected {
			m.closeOnServer(context.Background(), consumer.ID())
		}
		return nil, nil
	}
	entry.consumer = consumer
	entry.paused = false
	close(entry.done)
	view := entry.view()
	m.mu.Unlock()

	m.logger.Infow("Consumer created",
		"consumer_id", view.ID,
		"global_producer_id", producer.ID,
		"kind", producer.Kind,
	)
	m.events.Emit(domain.LifecycleEvent{
		Kind:             domain.ConsumerAdded,
		ConsumerID:       view.ID,
		GlobalProducerID: producer.ID,
		ParticipantID:    producer.OwnerID,
		MediaKind:        producer.Kind,
		TrackID:          domain.TrackID(consumer.Track().ID()),
		Track:            consumer.Track(),
	})
	return view, nil
}

func (m *TransportManager) consume(ctx context.Context, recv ports.MediaTransport, producer domain.GlobalProducer, resp *domain.ConsumeResponse) (ports.MediaConsumer, error) {
	err := m.signaling.Request(ctx, domain.MethodConsume, domain.ConsumeRequest{
		ProducerID:      producer.RouterProducerID,
		TransportID:     recv.ID(),
		RTPCapabilities: m.device.RTPCapabilities(),
	}, resp)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", producer.ID, err)
	}

	consumer, err := recv.Consume(ctx, ports.ConsumeOptions{
		ID:            resp.ID,
		ProducerID:    resp.ProducerID,
		Kind:          resp.Kind,
		RTPParameters: resp.RTPParameters,
	})
	if err != nil {
		m.closeOnServer(ctx, resp.ID)
		return nil, fmt.Errorf("consume %s locally: %w", producer.ID, err)
	}

	if resp.Paused {
		if err := m.signaling.Request(ctx, domain.MethodFinishConsume, domain.EntityRequest{ID: string(resp.ID)}, nil); err != nil {
			consumer.Close()
			return nil, fmt.Errorf("finish consume %s: %w", producer.ID, err)
		}
	}
	return consumer, nil
}

func (m *TransportManager) await(ctx context.Context, e *consumerEntry) (*domain.Consumer, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.consumer == nil || e.removed {
		return nil, nil
	}
	return e.view(), nil
}

func (m *TransportManager) closeOnServer(ctx context.Context, id domain.ConsumerID) {
	err := m.signaling.Request(ctx, domain.MethodCloseConsumer, domain.EntityRequest{ID: string(id)}, nil)
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		m.logger.Debugw("Failed to close consumer on router", "consumer_id", id, "error", err)
	}
}

// activeConsumer returns the resolved entry for a global producer.
func (m *TransportManager) activeConsumer(id domain.ProducerID) (*consumerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.consumers[id]
	if !ok || e.consumer == nil {
		return nil, domain.ErrConsumerNotFound
	}
	return e, nil
}

// CloseConsumer closes the consumer of a global producer. Unknown IDs are a
// no-op; an in-flight consume is marked so its result gets discarded.
func (m *TransportManager) CloseConsumer(ctx context.Context, id domain.ProducerID) error {
	m.mu.Lock()
	e, ok := m.consumers[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if e.consumer == nil {
		e.removed = true
		delete(m.consumers, id)
		m.mu.Unlock()
		return nil
	}
	consumerID := e.consumer.ID()
	m.mu.Unlock()

	err := m.signaling.Request(ctx, domain.MethodCloseConsumer, domain.EntityRequest{ID: string(consumerID)}, nil)
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		return fmt.Errorf("close consumer %s: %w", consumerID, err)
	}

	m.mu.Lock()
	if m.consumers[id] != e {
		m.mu.Unlock()
		return nil
	}
	delete(m.consumers, id)
	m.mu.Unlock()

	e.consumer.Close()
	m.logger.Infow("Consumer closed", "consumer_id", consumerID, "global_producer_id", id)
	m.events.Emit(domain.LifecycleEvent{
		Kind:             domain.ConsumerRemoved,
		ConsumerID:       consumerID,
		GlobalProducerID: id,
		ParticipantID:    e.producer.OwnerID,
		MediaKind:        e.producer.Kind,
	})
	return nil
}

func (m *TransportManager) PauseConsumer(ctx context.Context, id domain.ProducerID) error {
	return m.setConsumerPaused(ctx, id, true)
}

func (m *TransportManager) ResumeConsumer(ctx context.Context, id domain.ProducerID) error {
	return m.setConsumerPaused(ctx, id, false)
}

func (m *TransportManager) setConsumerPaused(ctx context.Context, id domain.ProducerID, paused bool) error {
	e, err := m.activeConsumer(id)
	if err != nil {
		return err
	}

	method, kind := domain.MethodResumeConsumer, domain.ConsumerResumed
	if paused {
		method, kind = domain.MethodPauseConsumer, domain.ConsumerPaused
	}

	consumerID := e.consumer.ID()
	if err := m.signaling.Request(ctx, method, domain.EntityRequest{ID: string(consumerID)}, nil); err != nil {
		return fmt.Errorf("%s %s: %w", method, consumerID, err)
	}

	if paused {
		err = e.consumer.Pause()
	} else {
		err = e.consumer.Resume()
	}
	if err != nil {
		return fmt.Errorf("%s %s locally: %w", method, consumerID, err)
	}

	m.mu.Lock()
	e.paused = paused
	m.mu.Unlock()

	m.events.Emit(domain.LifecycleEvent{
		Kind:             kind,
		ConsumerID:       consumerID,
		GlobalProducerID: id,
		ParticipantID:    e.producer.OwnerID,
		MediaKind:        e.producer.Kind,
	})
	return nil
}

func (m *TransportManager) lookupProducer(id domain.ProducerID) (*producerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.producers[id]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return e, nil
}

func (m *TransportManager) PauseProducer(ctx context.Context, id domain.ProducerID) error {
	return m.setProducerPaused(ctx, id, true)
}

func (m *TransportManager) ResumeProducer(ctx context.Context, id domain.ProducerID) error {
	return m.setProducerPaused(ctx, id, false)
}

func (m *TransportManager) setProducerPaused(ctx context.Context, id domain.ProducerID, paused bool) error {
	e, err := m.lookupProducer(id)
	if err != nil {
		return err
	}

	method, kind := domain.MethodResumeProducer, domain.LocalProducerResumed
	if paused {
		method, kind = domain.MethodPauseProducer, domain.LocalProducerPaused
	}

	if err := m.signaling.Request(ctx, method, domain.EntityRequest{ID: string(id)}, nil); err != nil {
		return fmt.Errorf("%s %s: %w", method, id, err)
	}

	if paused {
		err = e.producer.Pause()
	} else {
		err = e.producer.Resume()
	}
	if err != nil {
		return fmt.Errorf("%s %s locally: %w", method, id, err)
	}

	m.mu.Lock()
	e.paused = paused
	globalID := e.globalID
	m.mu.Unlock()

	m.events.Emit(domain.LifecycleEvent{
		Kind:             kind,
		ProducerID:       id,
		GlobalProducerID: globalID,
		MediaKind:        e.options.Kind(),
	})
	return nil
}

// StopProducer closes a local producer on the router, then locally, then
// removes it from the directory.
func (m *TransportManager) StopProducer(ctx context.Context, id domain.ProducerID) error {
	e, err := m.lookupProducer(id)
	if err != nil {
		return err
	}

	err = m.signaling.Request(ctx, domain.MethodCloseProducer, domain.EntityRequest{ID: string(id)}, nil)
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		return fmt.Errorf("close producer %s: %w", id, err)
	}

	m.mu.Lock()
	if m.producers[id] != e {
		m.mu.Unlock()
		return nil
	}
	delete(m.producers, id)
	globalID := e.globalID
	m.mu.Unlock()

	e.producer.Close()
	m.unpublish(globalID)

	m.logger.Infow("Producer stopped", "producer_id", id, "global_producer_id", globalID)
	m.events.Emit(domain.LifecycleEvent{
		Kind:             domain.LocalProducerRemoved,
		ProducerID:       id,
		GlobalProducerID: globalID,
		MediaKind:        e.options.Kind(),
	})
	return nil
}

// Consumers lists the active consumers, sorted by global producer ID.
func (m *TransportManager) Consumers() []domain.Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Consumer, 0, len(m.consumers))
	for _, id := range sortedConsumerKeys(m.consumers) {
		if e := m.consumers[id]; e.consumer != nil {
			out = append(out, *e.view())
		}
	}
	return out
}

// ConsumedProducers maps every global producer with an active or pending
// consumer to its kind.
func (m *TransportManager) ConsumedProducers() map[domain.ProducerID]domain.MediaKind {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[domain.ProducerID]domain.MediaKind, len(m.consumers))
	for id, e := range m.consumers {
		out[id] = e.producer.Kind
	}
	return out
}

func (m *TransportManager) Producers() []ProducerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProducerRecord, 0, len(m.producers))
	for _, e := range m.producers {
		out = append(out, e.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedConsumerKeys(m map[domain.ProducerID]*consumerEntry) []domain.ProducerID {
	keys := make([]domain.ProducerID, 0, len(m))
	for id := range m {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
