package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"
	"stagewire/pkg/retry"
	"stagewire/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Mode selects the media path of a session.
type Mode string

const (
	ModeSFU Mode = "sfu"
	ModeP2P Mode = "p2p"
)

type SessionConfig struct {
	Mode          Mode
	StageID       domain.StageID
	Audio         domain.AudioProducer
	Video         domain.VideoProducer
	Reconnect     retry.Config
	ActionTimeout time.Duration
}

type localMedia struct {
	track      webrtc.TrackLocal
	producerID domain.ProducerID
}

// inbox queues work for the session loop from other goroutines. post never
// blocks, so it is safe to call from code the loop itself is running.
type inbox struct {
	mu     sync.Mutex
	items  []func(context.Context)
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) post(fn func(context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []func(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Session ties the directory feed, the intent flags and the media path
// together. All state below the mutex line is owned by the Run goroutine.
type Session struct {
	cfg        SessionConfig
	directory  ports.Directory
	signaling  ports.SignalingChannel
	transports *TransportManager
	negotiator *Negotiator
	intent     *IntentState
	tracks     ports.TrackSource
	events     *EventBus
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	inbox        *inbox
	state        *DirectoryState
	local        map[domain.MediaKind]*localMedia
	unproducible map[domain.MediaKind]bool
	reconnecting bool
	wg           sync.WaitGroup
}

// NewSession wires a session. transports is required in SFU mode and
// negotiator in P2P mode; the other one may be nil.
func NewSession(
	cfg SessionConfig,
	directory ports.Directory,
	signaling ports.SignalingChannel,
	transports *TransportManager,
	negotiator *Negotiator,
	intent *IntentState,
	tracks ports.TrackSource,
	events *EventBus,
	logger *zap.SugaredLogger,
) (*Session, error) {
	switch cfg.Mode {
	case ModeSFU:
		if transports == nil {
			return nil, fmt.Errorf("sfu mode requires a transport manager")
		}
	case ModeP2P:
		if negotiator == nil {
			return nil, fmt.Errorf("p2p mode requires a negotiator")
		}
	default:
		return nil, fmt.Errorf("unknown session mode %q", cfg.Mode)
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}

	return &Session{
		cfg:          cfg,
		directory:    directory,
		signaling:    signaling,
		transports:   transports,
		negotiator:   negotiator,
		intent:       intent,
		tracks:       tracks,
		events:       events,
		logger:       logger,
		inbox:        newInbox(),
		local:        make(map[domain.MediaKind]*localMedia),
		unproducible: make(map[domain.MediaKind]bool),
	}, nil
}

func (s *Session) Intent() *IntentState {
	return s.intent
}

// Run connects everything and processes events until ctx ends or Close is
// called. Only setup failures are returned.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already running", domain.ErrInvalidState)
	}
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.directory.Connect(ctx); err != nil {
		return fmt.Errorf("connect directory: %w", err)
	}
	defer s.directory.Close()

	if s.cfg.StageID != "" {
		if err := s.directory.JoinStage(ctx, s.cfg.StageID); err != nil {
			return fmt.Errorf("join stage %s: %w", s.cfg.StageID, err)
		}
	}

	s.state = NewDirectoryState(s.directory.LocalID())
	feed, err := s.directory.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to directory: %w", err)
	}

	intents, stopIntents := s.intent.Subscribe()
	defer stopIntents()

	stopEvents := s.events.OnAll(func(ev domain.LifecycleEvent) {
		s.inbox.post(func(ctx context.Context) { s.onLifecycle(ctx, ev) })
	})
	defer stopEvents()

	switch s.cfg.Mode {
	case ModeSFU:
		if err := s.signaling.On(domain.EventProducerAdded, s.onProducerPush); err != nil {
			return err
		}
		if err := s.transports.Connect(ctx); err != nil {
			if errors.Is(err, domain.ErrCapabilityMismatch) {
				return err
			}
			s.logger.Warnw("SFU connect failed, retrying in background", "error", err)
			s.scheduleReconnect(ctx)
		}
	case ModeP2P:
		if err := s.negotiator.Register(ctx); err != nil {
			return err
		}
	}

	defer s.shutdown()

	s.logger.Infow("Session running",
		"participant_id", s.directory.LocalID(),
		"stage_id", s.cfg.StageID,
		"mode", s.cfg.Mode,
	)
	s.publishIntent(ctx, s.intent.Current())
	s.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-feed:
			if !ok {
				s.logger.Infow("Directory feed closed")
				return nil
			}
			s.applyDirectory(ctx, ev)

		case intent := <-intents:
			s.onIntent(ctx, intent)

		case <-s.inbox.notify:
			for _, fn := range s.inbox.drain() {
				fn(ctx)
			}
		}
	}
}

// Close stops Run and waits for the teardown to finish.
func (s *Session) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SetVolume writes a volume entry for a member or global producer.
func (s *Session) SetVolume(ctx context.Context, targetID string, value float64) error {
	if err := validation.ValidateID(targetID, "volume target"); err != nil {
		return err
	}
	if err := validation.ValidateVolume(value); err != nil {
		return err
	}
	return s.directory.SetVolume(ctx, targetID, value)
}

func (s *Session) onProducerPush(payload json.RawMessage) {
	var ev domain.ProducerAddedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warnw("Malformed producer-added push", "error", err)
		return
	}
	producer := ev.Producer
	s.inbox.post(func(ctx context.Context) {
		s.applyDirectory(ctx, domain.DirectoryEvent{
			Kind:     domain.ProducerAdded,
			Key:      string(producer.ID),
			Producer: &producer,
		})
	})
}

func (s *Session) applyDirectory(ctx context.Context, ev domain.DirectoryEvent) {
	if !s.state.Apply(ev) {
		s.logger.Debugw("Directory event without effect", "kind", ev.Kind.String(), "key", ev.Key)
		return
	}
	s.logger.Debugw("Directory event", "kind", ev.Kind.String(), "key", ev.Key)
	s.reconcile(ctx)
}

func (s *Session) onIntent(ctx context.Context, intent domain.Intent) {
	for _, kind := range domain.MediaKinds {
		if !intent.Send(kind) {
			delete(s.unproducible, kind)
		}
	}
	s.publishIntent(ctx, intent)
	s.reconcile(ctx)
}

func (s *Session) publishIntent(ctx context.Context, intent domain.Intent) {
	if err := s.directory.UpdateDevice(ctx, intent); err != nil {
		s.logger.Warnw("Failed to publish device state", "error", err)
	}
}

func (s *Session) onLifecycle(ctx context.Context, ev domain.LifecycleEvent) {
	switch ev.Kind {
	case domain.TransportLost:
		for kind := range s.local {
			s.tracks.Release(kind)
		}
		s.local = make(map[domain.MediaKind]*localMedia)
		s.scheduleReconnect(ctx)

	case domain.LocalProducerRemoved:
		for kind, m := range s.local {
			if m.producerID != "" && m.producerID == ev.ProducerID {
				s.tracks.Release(kind)
				delete(s.local, kind)
			}
		}
	}
	s.reconcile(ctx)
}

func (s *Session) scheduleReconnect(ctx context.Context) {
	if s.reconnecting || ctx.Err() != nil {
		return
	}
	s.reconnecting = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := retry.Retry(ctx, s.cfg.Reconnect, func() error {
			return s.transports.Connect(ctx)
		})
		s.inbox.post(func(ctx context.Context) {
			s.reconnecting = false
			if err != nil && ctx.Err() == nil {
				s.logger.Warnw("SFU reconnect failed, trying again", "error", err)
				s.scheduleReconnect(ctx)
			}
		})
	}()
}

func (s *Session) materialized() Materialized {
	m := Materialized{
		P2P:          s.cfg.Mode == ModeP2P,
		Consumed:     map[domain.ProducerID]domain.MediaKind{},
		Producing:    make(map[domain.MediaKind]bool, len(s.local)),
		Unproducible: make(map[domain.MediaKind]bool, len(s.unproducible)),
		Peers:        map[domain.ParticipantID]bool{},
	}
	for kind := range s.local {
		m.Producing[kind] = true
	}
	for kind, v := range s.unproducible {
		m.Unproducible[kind] = v
	}

	switch s.cfg.Mode {
	case ModeSFU:
		m.SFU = s.transports.State() == domain.StateConnected
		m.Consumed = s.transports.ConsumedProducers()
	case ModeP2P:
		for _, id := range s.negotiator.Peers() {
			m.Peers[id] = true
		}
	}
	return m
}

func (s *Session) reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	plan := Reconcile(s.state.Snapshot(), s.intent.Current(), s.materialized())
	if plan.Empty() {
		return
	}
	s.logger.Debugw("Applying plan",
		"consume", len(plan.Consume),
		"unconsume", len(plan.Unconsume),
		"produce", len(plan.Produce),
		"unproduce", len(plan.Unproduce),
		"connect", len(plan.Connect),
		"disconnect", len(plan.Disconnect),
	)
	s.apply(ctx, plan)
}

func (s *Session) apply(ctx context.Context, plan Plan) {
	for _, id := range plan.Unconsume {
		actx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		if err := s.transports.CloseConsumer(actx, id); err != nil {
			s.logger.Warnw("Failed to close consumer", "global_producer_id", id, "error", err)
		}
		cancel()
	}
	for _, p := range plan.Consume {
		actx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		if _, err := s.transports.CreateConsumer(actx, p); err != nil {
			s.logger.Warnw("Failed to consume", "global_producer_id", p.ID, "owner_id", p.OwnerID, "error", err)
		}
		cancel()
	}
	for _, kind := range plan.Unproduce {
		s.unproduce(ctx, kind)
	}
	for _, kind := range plan.Produce {
		s.produce(ctx, kind)
	}
	for _, id := range plan.Disconnect {
		s.negotiator.Close(id)
	}
	for _, id := range plan.Connect {
		actx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		if err := s.negotiator.MakeOffer(actx, id); err != nil {
			s.logger.Warnw("Failed to offer", "participant_id", id, "error", err)
		}
		cancel()
	}
}

func (s *Session) producerOptions(kind domain.MediaKind) domain.LocalProducer {
	if kind == domain.KindVideo {
		return s.cfg.Video
	}
	return s.cfg.Audio
}

func (s *Session) produce(ctx context.Context, kind domain.MediaKind) {
	track, err := s.tracks.Acquire(kind)
	if err != nil {
		s.logger.Warnw("No local track", "kind", kind, "error", err)
		s.unproducible[kind] = true
		return
	}

	switch s.cfg.Mode {
	case ModeSFU:
		actx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		defer cancel()
		rec, err := s.transports.CreateProducer(actx, track, s.producerOptions(kind))
		if err != nil {
			s.tracks.Release(kind)
			s.logger.Warnw("Failed to produce", "kind", kind, "error", err)
			return
		}
		if rec == nil {
			s.tracks.Release(kind)
			s.unproducible[kind] = true
			return
		}
		s.local[kind] = &localMedia{track: track, producerID: rec.ID}

	case ModeP2P:
		s.local[kind] = &localMedia{track: track}
		if err := s.negotiator.SetPublishedTracks(ctx, s.publishedTracks()); err != nil {
			s.logger.Warnw("Failed to publish track", "kind", kind, "error", err)
		}
	}
}

func (s *Session) unproduce(ctx context.Context, kind domain.MediaKind) {
	m, ok := s.local[kind]
	if !ok {
		return
	}

	switch s.cfg.Mode {
	case ModeSFU:
		actx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		defer cancel()
		err := s.transports.StopProducer(actx, m.producerID)
		if err != nil && !errors.Is(err, domain.ErrProducerNotFound) {
			s.logger.Warnw("Failed to stop producer", "kind", kind, "producer_id", m.producerID, "error", err)
			return
		}
		delete(s.local, kind)

	case ModeP2P:
		delete(s.local, kind)
		if err := s.negotiator.SetPublishedTracks(ctx, s.publishedTracks()); err != nil {
			s.logger.Warnw("Failed to unpublish track", "kind", kind, "error", err)
		}
	}
	s.tracks.Release(kind)
}

func (s *Session) publishedTracks() []webrtc.TrackLocal {
	kinds := make([]domain.MediaKind, 0, len(s.local))
	for kind := range s.local {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	out := make([]webrtc.TrackLocal, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, s.local[kind].track)
	}
	return out
}

// shutdown releases everything Run set up. It runs on the loop goroutine
// once the loop has stopped, so it uses its own deadline.
func (s *Session) shutdown() {
	s.mu.Lock()
	stop := s.cancel
	s.mu.Unlock()
	stop()
	// A reconnect still in flight could otherwise reopen transports after
	// the teardown below.
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ActionTimeout)
	defer cancel()

	switch s.cfg.Mode {
	case ModeSFU:
		if err := s.transports.Disconnect(ctx); err != nil {
			s.logger.Warnw("Failed to disconnect SFU session", "error", err)
		}
	case ModeP2P:
		s.negotiator.CloseAll()
	}
	for kind := range s.local {
		s.tracks.Release(kind)
	}
	s.local = make(map[domain.MediaKind]*localMedia)

	if s.cfg.StageID != "" {
		if err := s.directory.LeaveStage(ctx); err != nil {
			s.logger.Warnw("Failed to leave stage", "error", err)
		}
	}

	s.logger.Infow("Session closed")
}
