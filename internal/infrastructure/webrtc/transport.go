package webrtc

import (
	"context"
	"fmt"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// transport is one ORTC transport to the router. It connects lazily on the
// first Produce or Consume: OnConnect hands the local DTLS parameters to the
// router, then ICE (controlling, the router is ICE-lite) and DTLS (client)
// start in the background.
type transport struct {
	id     domain.TransportID
	dir    domain.TransportDirection
	remote domain.TransportOptions
	api    *webrtc.API
	logger *zap.SugaredLogger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connectMu sync.Mutex
	gathered  bool
	started   bool
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	connectErr error
	closed     bool
	onConnect  ports.ConnectFunc
	onProduce  ports.ProduceFunc
	onState    func(state string)
	producers  map[string]*producer
	consumers  map[domain.ConsumerID]*consumer
}

var _ ports.MediaTransport = (*transport)(nil)

func newTransport(api *webrtc.API, cfg Config, opts domain.TransportOptions, dir domain.TransportDirection, logger *zap.SugaredLogger) (*transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}

	t := &transport{
		id:        opts.ID,
		dir:       dir,
		remote:    opts,
		api:       api,
		logger:    logger,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		producers: make(map[string]*producer),
		consumers: make(map[domain.ConsumerID]*consumer),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.stateChanged(state.String())
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateFailed {
			t.stateChanged("failed")
		}
	})
	return t, nil
}

func (t *transport) ID() domain.TransportID { return t.id }

func (t *transport) Direction() domain.TransportDirection { return t.dir }

func (t *transport) OnConnect(fn ports.ConnectFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = fn
}

func (t *transport) OnProduce(fn ports.ProduceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onProduce = fn
}

func (t *transport) OnConnectionStateChange(fn func(state string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *transport) stateChanged(state string) {
	t.mu.Lock()
	fn, closed := t.onState, t.closed
	t.mu.Unlock()

	t.logger.Debugw("transport state changed", "state", state)
	if fn != nil && !closed {
		fn(state)
	}
}

func (t *transport) connect(ctx context.Context) error {
	t.connectMu.Lock()
	if !t.started {
		if err := t.handshake(ctx); err != nil {
			t.connectMu.Unlock()
			return err
		}
		t.started = true
		go t.start()
	}
	t.connectMu.Unlock()

	select {
	case <-t.ready:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handshake runs under connectMu.
func (t *transport) handshake(ctx context.Context) error {
	t.mu.Lock()
	closed, fn := t.closed, t.onConnect
	t.mu.Unlock()
	if closed {
		return domain.ErrNotConnected
	}

	if !t.gathered {
		if err := t.gatherer.Gather(); err != nil {
			return fmt.Errorf("gather candidates: %w", err)
		}
		t.gathered = true
	}
	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local DTLS parameters: %w", err)
	}
	local.Role = webrtc.DTLSRoleClient

	if fn != nil {
		if err := fn(ctx, toDomainDTLS(local)); err != nil {
			return fmt.Errorf("connect transport %s: %w", t.id, err)
		}
	}
	return nil
}

func (t *transport) start() {
	err := t.startTransports()
	if err != nil {
		t.logger.Warnw("transport failed to connect", "error", err)
	}
	t.finish(err)
	if err != nil {
		t.stateChanged("failed")
	}
}

func (t *transport) startTransports() error {
	candidates, err := toICECandidates(t.remote.ICECandidates)
	if err != nil {
		return err
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}

	role := webrtc.ICERoleControlling
	if err := t.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: t.remote.ICEParameters.UsernameFragment,
		Password:         t.remote.ICEParameters.Password,
		ICELite:          t.remote.ICEParameters.ICELite,
	}, &role); err != nil {
		return fmt.Errorf("start ICE: %w", err)
	}

	remote := toWebRTCDTLS(t.remote.DTLSParameters)
	remote.Role = webrtc.DTLSRoleServer
	if err := t.dtls.Start(remote); err != nil {
		return fmt.Errorf("start DTLS: %w", err)
	}
	return nil
}

func (t *transport) finish(err error) {
	t.readyOnce.Do(func() {
		t.mu.Lock()
		t.connectErr = err
		t.mu.Unlock()
		close(t.ready)
	})
}

func (t *transport) Produce(ctx context.Context, track webrtc.TrackLocal, opts domain.LocalProducer) (ports.MediaProducer, error) {
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("%w: produce on a %s transport", domain.ErrInvalidState, t.dir)
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	rtpSender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP sender: %w", err)
	}
	sendParams := rtpSender.GetParameters()
	params, err := producerParameters(sendParams, track, opts)
	if err != nil {
		rtpSender.Stop()
		return nil, err
	}

	t.mu.Lock()
	fn := t.onProduce
	t.mu.Unlock()
	if fn == nil {
		rtpSender.Stop()
		return nil, fmt.Errorf("%w: no produce handler", domain.ErrInvalidState)
	}
	id, err := fn(ctx, opts.Kind(), params)
	if err != nil {
		rtpSender.Stop()
		return nil, err
	}

	if err := rtpSender.Send(sendParams); err != nil {
		rtpSender.Stop()
		return nil, fmt.Errorf("start sending %s: %w", opts.Kind(), err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	p := &producer{id: id, kind: opts.Kind(), track: track, sender: rtpSender, transport: t}
	t.mu.Lock()
	t.producers[id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *transport) Consume(ctx context.Context, opts ports.ConsumeOptions) (ports.MediaConsumer, error) {
	if t.dir != domain.DirectionReceive {
		return nil, fmt.Errorf("%w: consume on a %s transport", domain.ErrInvalidState, t.dir)
	}
	if len(opts.RTPParameters.Codecs) == 0 || len(opts.RTPParameters.Encodings) == 0 {
		return nil, fmt.Errorf("%w: consumer %s without codec or encoding", domain.ErrProtocolViolation, opts.ID)
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP receiver: %w", err)
	}
	encoding := opts.RTPParameters.Encodings[0]
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(encoding.SSRC),
				PayloadType: webrtc.PayloadType(opts.RTPParameters.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		receiver.Stop()
		return nil, fmt.Errorf("start receiving %s: %w", opts.ID, err)
	}
	go readRTCP(receiver, t.logger)

	c := &consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		ssrc:       encoding.SSRC,
		receiver:   receiver,
		track:      &remoteTrack{id: string(opts.ID), track: receiver.Track()},
		transport:  t,
	}
	t.mu.Lock()
	t.consumers[opts.ID] = c
	t.mu.Unlock()
	return c, nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[string]*producer)
	t.consumers = make(map[domain.ConsumerID]*consumer)
	t.mu.Unlock()

	t.finish(domain.ErrNotConnected)
	for _, p := range producers {
		p.sender.Stop()
	}
	for _, c := range consumers {
		c.receiver.Stop()
	}

	var firstErr error
	if err := t.dtls.Stop(); err != nil {
		firstErr = err
	}
	if err := t.ice.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.gatherer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type producer struct {
	id        string
	kind      domain.MediaKind
	track     webrtc.TrackLocal
	sender    *webrtc.RTPSender
	transport *transport
}

func (p *producer) ID() string              { return p.id }
func (p *producer) Kind() domain.MediaKind  { return p.kind }
func (p *producer) TrackID() domain.TrackID { return domain.TrackID(p.track.ID()) }
func (p *producer) Pause() error            { return p.sender.ReplaceTrack(nil) }
func (p *producer) Resume() error           { return p.sender.ReplaceTrack(p.track) }

func (p *producer) Close() error {
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()
	return p.sender.Stop()
}

type consumer struct {
	id         domain.ConsumerID
	producerID string
	kind       domain.MediaKind
	ssrc       uint32
	receiver   *webrtc.RTPReceiver
	track      *remoteTrack
	transport  *transport
}

func (c *consumer) ID() domain.ConsumerID     { return c.id }
func (c *consumer) ProducerID() string        { return c.producerID }
func (c *consumer) Kind() domain.MediaKind    { return c.kind }
func (c *consumer) Track() domain.RemoteTrack { return c.track }

func (c *consumer) Pause() error {
	c.track.setPaused(true)
	return nil
}

// Resume asks for a key frame on video so decoding restarts cleanly.
func (c *consumer) Resume() error {
	c.track.setPaused(false)
	if c.kind != domain.KindVideo {
		return nil
	}
	_, err := c.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: c.ssrc},
	})
	return err
}

func (c *consumer) Close() error {
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	return c.receiver.Stop()
}
