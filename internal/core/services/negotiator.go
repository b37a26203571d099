package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"
	"stagewire/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type peer struct {
	id   domain.ParticipantID
	conn ports.PeerConnection

	mu          sync.Mutex
	state       domain.NegotiationState
	established bool
	closed      bool
	senders     map[domain.TrackID]ports.Sender
	pending     []domain.ICECandidateInit
	// attached is set once the published tracks were added to the first
	// offer or answer.
	attached bool
	// dirty is set when the senders changed during an offer/answer round.
	dirty bool
}

// Negotiator keeps one peer connection per remote participant and the set of
// locally published tracks in sync across them.
type Negotiator struct {
	signaling ports.SignalingChannel
	factory   ports.PeerConnectionFactory
	events    *EventBus
	localID   domain.ParticipantID
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	peers  map[domain.ParticipantID]*peer
	tracks map[domain.TrackID]webrtc.TrackLocal
}

func NewNegotiator(
	signaling ports.SignalingChannel,
	factory ports.PeerConnectionFactory,
	events *EventBus,
	localID domain.ParticipantID,
	logger *zap.SugaredLogger,
) *Negotiator {
	return &Negotiator{
		signaling: signaling,
		factory:   factory,
		events:    events,
		localID:   localID,
		logger:    logger,
		peers:     make(map[domain.ParticipantID]*peer),
		tracks:    make(map[domain.TrackID]webrtc.TrackLocal),
	}
}

// Register installs the handlers for the relayed P2P events.
func (n *Negotiator) Register(ctx context.Context) error {
	handlers := map[domain.SignalEvent]func(context.Context, domain.P2PMessage) error{
		domain.EventOfferMade:     n.OnOfferMade,
		domain.EventAnswerMade:    n.OnAnswerMade,
		domain.EventCandidateSent: n.OnCandidateSent,
	}
	for event, handle := range handlers {
		event, handle := event, handle
		err := n.signaling.On(event, func(payload json.RawMessage) {
			var msg domain.P2PMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				n.logger.Warnw("Malformed P2P message", "event", event, "error", err)
				return
			}
			if err := handle(ctx, msg); err != nil {
				n.logger.Warnw("Dropped P2P message",
					"event", event,
					"participant_id", msg.FromID,
					"error", err,
				)
			}
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", event, err)
		}
	}
	return nil
}

func (n *Negotiator) getOrCreate(id domain.ParticipantID) (*peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[id]; ok {
		return p, nil
	}

	conn, err := n.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", id, err)
	}
	p := &peer{
		id:      id,
		conn:    conn,
		senders: make(map[domain.TrackID]ports.Sender),
	}
	n.peers[id] = p
	n.wire(p)

	n.logger.Debugw("Peer connection created", "participant_id", id)
	return p, nil
}

func (n *Negotiator) wire(p *peer) {
	p.conn.OnICECandidate(func(c *domain.ICECandidateInit) {
		if c == nil || c.Candidate == "" {
			n.markEstablished(p)
			return
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		err := n.signaling.Emit(context.Background(), domain.EventSendCandidate, domain.P2PMessage{
			TargetID:  p.id,
			Candidate: c,
		})
		if err != nil {
			n.logger.Warnw("Failed to send ICE candidate", "participant_id", p.id, "error", err)
		}
	})

	p.conn.OnTrack(func(track domain.RemoteTrack) {
		n.logger.Infow("Remote track", "participant_id", p.id, "track_id", track.ID(), "kind", track.Kind())
		n.events.Emit(domain.LifecycleEvent{
			Kind:          domain.TrackAdded,
			ParticipantID: p.id,
			MediaKind:     track.Kind(),
			TrackID:       domain.TrackID(track.ID()),
			Track:         track,
		})
		if track.Kind() == domain.KindVideo {
			if err := p.conn.RequestKeyFrame(track); err != nil {
				n.logger.Debugw("Failed to request key frame", "participant_id", p.id, "error", err)
			}
		}
	})

	p.conn.OnConnectionStateChange(func(state string) {
		n.logger.Debugw("Peer connection state", "participant_id", p.id, "state", state)
		if state == "failed" || state == "closed" {
			n.closePeer(p)
		}
	})
}

// markEstablished flips established exactly once, then brings the track set
// of the connection up to date.
func (n *Negotiator) markEstablished(p *peer) {
	p.mu.Lock()
	if p.established || p.closed {
		p.mu.Unlock()
		return
	}
	p.established = true
	p.mu.Unlock()

	n.logger.Infow("Peer established", "participant_id", p.id)
	n.events.Emit(domain.LifecycleEvent{Kind: domain.PeerEstablished, ParticipantID: p.id})

	if err := n.syncPeer(context.Background(), p); err != nil {
		n.logger.Warnw("Failed to sync tracks", "participant_id", p.id, "error", err)
	}
}

// attachAll adds every published track to a fresh connection. Caller holds
// p.mu.
func (n *Negotiator) attachAll(p *peer) error {
	if p.attached {
		return nil
	}
	p.attached = true
	for _, track := range n.publishedTracks() {
		id := domain.TrackID(track.ID())
		if _, ok := p.senders[id]; ok {
			continue
		}
		sender, err := p.conn.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", id, err)
		}
		p.senders[id] = sender
	}
	return nil
}

// MakeOffer creates (or reuses) the connection to a participant and sends it
// an offer.
func (n *Negotiator) MakeOffer(ctx context.Context, id domain.ParticipantID) error {
	ctx, span := tracing.StartSpan(ctx, "p2p.make_offer",
		trace.WithAttributes(tracing.ParticipantIDKey.String(string(id))))
	defer span.End()

	p, err := n.getOrCreate(id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: connection to %s is closed", domain.ErrInvalidState, id)
	}
	if p.state == domain.NegotiationOffering || p.state == domain.NegotiationAnswering {
		p.mu.Unlock()
		return nil
	}
	if err := n.attachAll(p); err != nil {
		p.mu.Unlock()
		return err
	}
	offer, err := n.localOffer(p)
	p.mu.Unlock()
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	return n.signaling.Emit(ctx, domain.EventMakeOffer, domain.P2PMessage{TargetID: id, SDP: &offer})
}

// localOffer creates and applies an offer. Caller holds p.mu.
func (n *Negotiator) localOffer(p *peer) (domain.SessionDescription, error) {
	offer, err := p.conn.CreateOffer()
	if err != nil {
		return offer, fmt.Errorf("create offer for %s: %w", p.id, err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("set local offer for %s: %w", p.id, err)
	}
	p.state = domain.NegotiationOffering
	return offer, nil
}

// OnOfferMade answers an offer. Offers can only collide on renegotiation,
// since the first offer always comes from the lower ID. On a collision the
// lower ID drops the remote offer as a protocol violation, and the higher ID
// rolls its own offer back, answers, then offers again.
func (n *Negotiator) OnOfferMade(ctx context.Context, msg domain.P2PMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("%w: offer without sdp", domain.ErrProtocolViolation)
	}

	ctx, span := tracing.StartSpan(ctx, "p2p.answer_offer",
		trace.WithAttributes(tracing.ParticipantIDKey.String(string(msg.FromID))))
	defer span.End()

	p, err := n.getOrCreate(msg.FromID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: connection to %s is closed", domain.ErrInvalidState, msg.FromID)
	}
	if p.state == domain.NegotiationOffering {
		if n.localID < msg.FromID {
			state := p.state
			p.mu.Unlock()
			return &domain.ProtocolViolationError{
				ParticipantID: msg.FromID,
				Message:       "offer",
				State:         state.String(),
			}
		}
		if err := p.conn.Rollback(); err != nil {
			p.mu.Unlock()
			tracing.RecordError(ctx, err)
			return fmt.Errorf("roll back offer to %s: %w", msg.FromID, err)
		}
		n.logger.Debugw("Offer collision, rolled back", "participant_id", msg.FromID)
		p.dirty = true
	}

	p.state = domain.NegotiationAnswering
	answer, err := n.answer(p, *msg.SDP)
	if err != nil {
		p.state = domain.NegotiationNone
		p.mu.Unlock()
		tracing.RecordError(ctx, err)
		return err
	}
	p.state = domain.NegotiationEstablished
	p.mu.Unlock()

	if err := n.signaling.Emit(ctx, domain.EventMakeAnswer, domain.P2PMessage{TargetID: msg.FromID, SDP: &answer}); err != nil {
		return err
	}
	return n.followUp(ctx, p)
}

// answer applies a remote offer and produces the local answer. Caller holds
// p.mu.
func (n *Negotiator) answer(p *peer, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set remote offer from %s: %w", p.id, err)
	}
	n.flushCandidates(p)

	if err := n.attachAll(p); err != nil {
		return domain.SessionDescription{}, err
	}

	answer, err := p.conn.CreateAnswer()
	if err != nil {
		return answer, fmt.Errorf("create answer for %s: %w", p.id, err)
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("set local answer for %s: %w", p.id, err)
	}
	return answer, nil
}

// OnAnswerMade applies a remote answer. If the track set changed while the
// offer was out, a follow-up offer is sent.
func (n *Negotiator) OnAnswerMade(ctx context.Context, msg domain.P2PMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("%w: answer without sdp", domain.ErrProtocolViolation)
	}

	p := n.peer(msg.FromID)
	if p == nil {
		return fmt.Errorf("%w: answer from %s", domain.ErrUnknownEntity, msg.FromID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.state != domain.NegotiationOffering {
		state := p.state
		p.mu.Unlock()
		return &domain.ProtocolViolationError{
			ParticipantID: msg.FromID,
			Message:       "answer",
			State:         state.String(),
		}
	}
	if err := p.conn.SetRemoteDescription(*msg.SDP); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set remote answer from %s: %w", msg.FromID, err)
	}
	p.state = domain.NegotiationEstablished
	n.flushCandidates(p)
	p.mu.Unlock()

	return n.followUp(ctx, p)
}

// followUp sends a new offer when senders changed mid-negotiation.
func (n *Negotiator) followUp(ctx context.Context, p *peer) error {
	p.mu.Lock()
	if !p.dirty || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.dirty = false
	offer, err := n.localOffer(p)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return n.signaling.Emit(ctx, domain.EventMakeOffer, domain.P2PMessage{TargetID: p.id, SDP: &offer})
}

// OnCandidateSent adds a remote candidate, or queues it until the remote
// description is known. Candidates may overtake the offer on the wire, so an
// unknown sender gets a connection.
func (n *Negotiator) OnCandidateSent(ctx context.Context, msg domain.P2PMessage) error {
	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		return nil
	}

	p, err := n.getOrCreate(msg.FromID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if !p.conn.HasRemoteDescription() {
		p.pending = append(p.pending, *msg.Candidate)
		return nil
	}
	if err := p.conn.AddICECandidate(*msg.Candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", msg.FromID, err)
	}
	return nil
}

// flushCandidates applies queued candidates. Caller holds p.mu.
func (n *Negotiator) flushCandidates(p *peer) {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			n.logger.Warnw("Failed to add queued candidate", "participant_id", p.id, "error", err)
		}
	}
}

// SetPublishedTracks replaces the set of local tracks and syncs it onto
// every established connection.
func (n *Negotiator) SetPublishedTracks(ctx context.Context, tracks []webrtc.TrackLocal) error {
	n.mu.Lock()
	n.tracks = make(map[domain.TrackID]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		n.tracks[domain.TrackID(t.ID())] = t
	}
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := n.syncPeer(ctx, p); err != nil {
			n.logger.Warnw("Failed to sync tracks", "participant_id", p.id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *Negotiator) publishedTracks() []webrtc.TrackLocal {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]webrtc.TrackLocal, 0, len(n.tracks))
	for _, t := range n.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// syncPeer applies the set difference between published tracks and the
// connection's senders, then renegotiates if anything changed.
func (n *Negotiator) syncPeer(ctx context.Context, p *peer) error {
	published := n.publishedTracks()

	p.mu.Lock()
	if p.closed || !p.established {
		p.mu.Unlock()
		return nil
	}

	want := make(map[domain.TrackID]webrtc.TrackLocal, len(published))
	for _, t := range published {
		want[domain.TrackID(t.ID())] = t
	}

	changed := false
	for id, sender := range p.senders {
		if _, ok := want[id]; ok {
			continue
		}
		if err := p.conn.RemoveTrack(sender); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("remove track %s: %w", id, err)
		}
		delete(p.senders, id)
		changed = true
	}
	for _, t := range published {
		id := domain.TrackID(t.ID())
		if _, ok := p.senders[id]; ok {
			continue
		}
		sender, err := p.conn.AddTrack(t)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("add track %s: %w", id, err)
		}
		p.senders[id] = sender
		changed = true
	}

	if !changed {
		p.mu.Unlock()
		return nil
	}
	if p.state == domain.NegotiationOffering || p.state == domain.NegotiationAnswering {
		p.dirty = true
		p.mu.Unlock()
		return nil
	}
	offer, err := n.localOffer(p)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	n.logger.Debugw("Renegotiating", "participant_id", p.id)
	return n.signaling.Emit(ctx, domain.EventMakeOffer, domain.P2PMessage{TargetID: p.id, SDP: &offer})
}

func (n *Negotiator) peer(id domain.ParticipantID) *peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

// Close tears down the connection to one participant. No renegotiation
// happens afterwards.
func (n *Negotiator) Close(id domain.ParticipantID) {
	if p := n.peer(id); p != nil {
		n.closePeer(p)
	}
}

func (n *Negotiator) closePeer(p *peer) {
	n.mu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = domain.NegotiationClosed
	p.senders = make(map[domain.TrackID]ports.Sender)
	p.pending = nil
	p.mu.Unlock()

	if err := p.conn.Close(); err != nil {
		n.logger.Debugw("Failed to close peer connection", "participant_id", p.id, "error", err)
	}
	n.logger.Infow("Peer connection closed", "participant_id", p.id)
	n.events.Emit(domain.LifecycleEvent{Kind: domain.PeerClosed, ParticipantID: p.id})
}

func (n *Negotiator) CloseAll() {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		n.closePeer(p)
	}
}

// Peers lists the participants with an open connection.
func (n *Negotiator) Peers() []domain.ParticipantID {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]domain.ParticipantID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Negotiator) State(id domain.ParticipantID) domain.NegotiationState {
	p := n.peer(id)
	if p == nil {
		return domain.NegotiationNone
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (n *Negotiator) Established(id domain.ParticipantID) bool {
	p := n.peer(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.established
}

// Senders lists the track IDs currently sent to a participant.
func (n *Negotiator) Senders(id domain.ParticipantID) []domain.TrackID {
	p := n.peer(id)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.TrackID, 0, len(p.senders))
	for tid := range p.senders {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
