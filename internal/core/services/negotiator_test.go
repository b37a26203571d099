package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"stagewire/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// localPeer sorts between the remote IDs "a" and "b".
const localPeer domain.ParticipantID = "ab"

type negotiatorFixture struct {
	negotiator *Negotiator
	signaling  *fakeSignaling
	factory    *fakeFactory
	events     *eventRecorder
}

func newNegotiatorFixture(t *testing.T) *negotiatorFixture {
	t.Helper()
	bus := NewEventBus()
	f := &negotiatorFixture{
		signaling: newFakeSignaling(),
		factory:   &fakeFactory{},
		events:    recordEvents(bus),
	}
	f.negotiator = NewNegotiator(f.signaling, f.factory, bus, localPeer, zaptest.NewLogger(t).Sugar())
	return f
}

func sdp(kind string) *domain.SessionDescription {
	return &domain.SessionDescription{Type: kind, SDP: fakeSDP}
}

func candidate(c string) *domain.ICECandidateInit {
	return &domain.ICECandidateInit{Candidate: c}
}

// establish runs a full offer/answer round towards id and ends ICE gathering.
func (f *negotiatorFixture) establish(t *testing.T, id domain.ParticipantID) *fakePeerConnection {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.negotiator.MakeOffer(ctx, id))
	pc := f.factory.last()
	require.NoError(t, f.negotiator.OnAnswerMade(ctx, domain.P2PMessage{FromID: id, SDP: sdp("answer")}))
	pc.onCandidate(nil)
	require.True(t, f.negotiator.Established(id))
	return pc
}

func TestNegotiator_ICECandidatesThenEndOfGathering(t *testing.T) {
	f := newNegotiatorFixture(t)
	require.NoError(t, f.negotiator.MakeOffer(context.Background(), "b"))
	pc := f.factory.last()

	pc.onCandidate(candidate("candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"))
	pc.onCandidate(candidate("candidate:2 1 udp 2130706431 10.0.0.2 5000 typ host"))
	pc.onCandidate(candidate("candidate:3 1 udp 1694498815 1.2.3.4 5000 typ srflx"))
	pc.onCandidate(nil)
	pc.onCandidate(&domain.ICECandidateInit{})

	sent := f.signaling.emitted(domain.EventSendCandidate)
	require.Len(t, sent, 3)
	for _, e := range sent {
		assert.Equal(t, domain.ParticipantID("b"), e.payload.(domain.P2PMessage).TargetID)
	}
	assert.Equal(t, 1, f.events.count(domain.PeerEstablished))
	assert.True(t, f.negotiator.Established("b"))
}

func TestNegotiator_OfferAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("offerer", func(t *testing.T) {
		f := newNegotiatorFixture(t)
		require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("mic")}))

		require.NoError(t, f.negotiator.MakeOffer(ctx, "b"))
		assert.Equal(t, domain.NegotiationOffering, f.negotiator.State("b"))

		offers := f.signaling.emitted(domain.EventMakeOffer)
		require.Len(t, offers, 1)
		msg := offers[0].payload.(domain.P2PMessage)
		assert.Equal(t, domain.ParticipantID("b"), msg.TargetID)
		assert.Equal(t, "offer", msg.SDP.Type)
		assert.Equal(t, []domain.TrackID{"mic"}, f.negotiator.Senders("b"))

		require.NoError(t, f.negotiator.MakeOffer(ctx, "b"))
		assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), 1, "no second offer while one is out")

		require.NoError(t, f.negotiator.OnAnswerMade(ctx, domain.P2PMessage{FromID: "b", SDP: sdp("answer")}))
		assert.Equal(t, domain.NegotiationEstablished, f.negotiator.State("b"))
		assert.Len(t, f.factory.last().remote, 1)
	})

	t.Run("answerer", func(t *testing.T) {
		f := newNegotiatorFixture(t)
		require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("mic")}))

		require.NoError(t, f.negotiator.OnOfferMade(ctx, domain.P2PMessage{FromID: "a", SDP: sdp("offer")}))

		answers := f.signaling.emitted(domain.EventMakeAnswer)
		require.Len(t, answers, 1)
		msg := answers[0].payload.(domain.P2PMessage)
		assert.Equal(t, domain.ParticipantID("a"), msg.TargetID)
		assert.Equal(t, "answer", msg.SDP.Type)
		assert.Equal(t, domain.NegotiationEstablished, f.negotiator.State("a"))
		assert.Equal(t, []domain.TrackID{"mic"}, f.negotiator.Senders("a"))
	})

	t.Run("answer from unknown participant", func(t *testing.T) {
		f := newNegotiatorFixture(t)
		err := f.negotiator.OnAnswerMade(ctx, domain.P2PMessage{FromID: "x", SDP: sdp("answer")})
		assert.ErrorIs(t, err, domain.ErrUnknownEntity)
	})

	t.Run("unsolicited answer", func(t *testing.T) {
		f := newNegotiatorFixture(t)
		require.NoError(t, f.negotiator.OnOfferMade(ctx, domain.P2PMessage{FromID: "a", SDP: sdp("offer")}))
		err := f.negotiator.OnAnswerMade(ctx, domain.P2PMessage{FromID: "a", SDP: sdp("answer")})
		assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	})
}

func TestNegotiator_OfferWhileOffering(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.negotiator.MakeOffer(ctx, "b"))

	err := f.negotiator.OnOfferMade(ctx, domain.P2PMessage{FromID: "b", SDP: sdp("offer")})

	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	var pv *domain.ProtocolViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, domain.ParticipantID("b"), pv.ParticipantID)
	assert.Equal(t, domain.NegotiationOffering, f.negotiator.State("b"))
	assert.Empty(t, f.signaling.emitted(domain.EventMakeAnswer))
}

func TestNegotiator_RenegotiationCollisionFromLowerID(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()
	pc := f.establish(t, "a")

	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("mic")}))
	require.Equal(t, domain.NegotiationOffering, f.negotiator.State("a"))
	offers := len(f.signaling.emitted(domain.EventMakeOffer))

	require.NoError(t, f.negotiator.OnOfferMade(ctx, domain.P2PMessage{FromID: "a", SDP: sdp("offer")}))

	assert.Equal(t, 1, pc.rollbacks)
	assert.Len(t, f.signaling.emitted(domain.EventMakeAnswer), 1)
	assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), offers+1, "offers again after answering")
	assert.Equal(t, domain.NegotiationOffering, f.negotiator.State("a"))
	assert.Equal(t, []domain.TrackID{"mic"}, f.negotiator.Senders("a"))
}

// p2pLink joins negotiators the way the relay does. Messages are held until
// flush, so both sides can act before seeing each other.
type p2pLink struct {
	mu    sync.Mutex
	ends  map[domain.ParticipantID]*linkEnd
	queue []linkDelivery
}

type linkDelivery struct {
	to    domain.ParticipantID
	event domain.SignalEvent
	msg   domain.P2PMessage
}

type linkEnd struct {
	link *p2pLink
	id   domain.ParticipantID

	mu sync.Mutex
	on map[domain.SignalEvent]func(json.RawMessage)
}

func newP2PLink() *p2pLink {
	return &p2pLink{ends: make(map[domain.ParticipantID]*linkEnd)}
}

func (l *p2pLink) end(id domain.ParticipantID) *linkEnd {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &linkEnd{link: l, id: id, on: make(map[domain.SignalEvent]func(json.RawMessage))}
	l.ends[id] = e
	return e
}

func (l *p2pLink) flush(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 100, "negotiation does not settle")

		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		d := l.queue[0]
		l.queue = l.queue[1:]
		to := l.ends[d.to]
		l.mu.Unlock()

		to.mu.Lock()
		h := to.on[d.event]
		to.mu.Unlock()
		require.NotNil(t, h, "no handler for %s", d.event)

		b, err := json.Marshal(d.msg)
		require.NoError(t, err)
		h(b)
	}
}

func (e *linkEnd) Request(ctx context.Context, method domain.Method, payload interface{}, response interface{}) error {
	return fmt.Errorf("%s: not a router", method)
}

func (e *linkEnd) Emit(ctx context.Context, event domain.SignalEvent, payload interface{}) error {
	relayed, ok := domain.RelayedEvent(event)
	if !ok {
		return fmt.Errorf("%s is not relayed", event)
	}
	msg := payload.(domain.P2PMessage)
	to := msg.TargetID
	msg.TargetID = ""
	msg.FromID = e.id

	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	e.link.queue = append(e.link.queue, linkDelivery{to: to, event: relayed, msg: msg})
	return nil
}

func (e *linkEnd) On(event domain.SignalEvent, handler func(json.RawMessage)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.on[event]; ok {
		return domain.ErrHandlerRegistered
	}
	e.on[event] = handler
	return nil
}

type linkedPeer struct {
	negotiator *Negotiator
	factory    *fakeFactory
}

func newLinkedPeer(t *testing.T, link *p2pLink, id domain.ParticipantID) *linkedPeer {
	t.Helper()
	p := &linkedPeer{factory: &fakeFactory{}}
	p.negotiator = NewNegotiator(link.end(id), p.factory, NewEventBus(), id, zaptest.NewLogger(t).Sugar())
	require.NoError(t, p.negotiator.Register(context.Background()))
	return p
}

func TestNegotiator_SimultaneousRenegotiation(t *testing.T) {
	ctx := context.Background()
	link := newP2PLink()
	a := newLinkedPeer(t, link, "a")
	b := newLinkedPeer(t, link, "b")

	require.NoError(t, a.negotiator.MakeOffer(ctx, "b"))
	link.flush(t)
	pcA, pcB := a.factory.last(), b.factory.last()
	pcA.onCandidate(nil)
	pcB.onCandidate(nil)
	require.True(t, a.negotiator.Established("b"))
	require.True(t, b.negotiator.Established("a"))

	require.NoError(t, a.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("a-mic")}))
	require.NoError(t, b.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("b-mic")}))
	require.Equal(t, domain.NegotiationOffering, a.negotiator.State("b"))
	require.Equal(t, domain.NegotiationOffering, b.negotiator.State("a"))

	link.flush(t)

	assert.Equal(t, domain.NegotiationEstablished, a.negotiator.State("b"))
	assert.Equal(t, domain.NegotiationEstablished, b.negotiator.State("a"))
	assert.Zero(t, pcA.rollbacks)
	assert.Equal(t, 1, pcB.rollbacks, "the higher ID yields")
	assert.Equal(t, "offer", pcA.remote[len(pcA.remote)-1].Type, "b's tracks reach a")

	t.Run("later changes still renegotiate", func(t *testing.T) {
		remote := len(pcA.remote)
		require.NoError(t, b.negotiator.SetPublishedTracks(ctx, nil))
		assert.Equal(t, domain.NegotiationOffering, b.negotiator.State("a"))

		link.flush(t)

		assert.Len(t, pcA.remote, remote+1)
		assert.Equal(t, domain.NegotiationEstablished, a.negotiator.State("b"))
		assert.Equal(t, domain.NegotiationEstablished, b.negotiator.State("a"))
		assert.Empty(t, b.negotiator.Senders("a"))
	})
}

func TestNegotiator_CandidatesBeforeOffer(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.negotiator.OnCandidateSent(ctx, domain.P2PMessage{FromID: "a", Candidate: candidate("candidate:1")}))
	require.NoError(t, f.negotiator.OnCandidateSent(ctx, domain.P2PMessage{FromID: "a", Candidate: candidate("candidate:2")}))
	pc := f.factory.last()
	require.NotNil(t, pc)
	assert.Empty(t, pc.candidates, "queued until the remote description is set")

	require.NoError(t, f.negotiator.OnOfferMade(ctx, domain.P2PMessage{FromID: "a", SDP: sdp("offer")}))
	assert.Len(t, pc.candidates, 2)
	assert.Len(t, f.factory.conns, 1, "the early connection is reused")

	require.NoError(t, f.negotiator.OnCandidateSent(ctx, domain.P2PMessage{FromID: "a", Candidate: candidate("candidate:3")}))
	assert.Len(t, pc.candidates, 3)
}

func TestNegotiator_AnswererAttachesTracksAfterEarlyCandidate(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("mic")}))

	require.NoError(t, f.negotiator.OnCandidateSent(ctx, domain.P2PMessage{FromID: "a", Candidate: candidate("candidate:1")}))
	require.NoError(t, f.negotiator.OnOfferMade(ctx, domain.P2PMessage{FromID: "a", SDP: sdp("offer")}))

	assert.Equal(t, []domain.TrackID{"mic"}, f.negotiator.Senders("a"))
}

func TestNegotiator_SyncTracks(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("A"), newLocalTrack("B")}))

	pc := f.establish(t, "b")
	assert.Equal(t, []domain.TrackID{"A", "B"}, f.negotiator.Senders("b"))
	pc.resetTrackLog()
	offersBefore := len(f.signaling.emitted(domain.EventMakeOffer))

	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("B"), newLocalTrack("C")}))

	added, removed := pc.trackLog()
	assert.Equal(t, []domain.TrackID{"C"}, added)
	assert.Equal(t, []domain.TrackID{"A"}, removed)
	assert.Equal(t, []domain.TrackID{"B", "C"}, f.negotiator.Senders("b"))
	assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), offersBefore+1)

	t.Run("same set does not renegotiate", func(t *testing.T) {
		pc.resetTrackLog()
		require.NoError(t, f.negotiator.OnAnswerMade(ctx, domain.P2PMessage{FromID: "b", SDP: sdp("answer")}))
		require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("C"), newLocalTrack("B")}))

		added, removed := pc.trackLog()
		assert.Empty(t, added)
		assert.Empty(t, removed)
		assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), offersBefore+1)
	})
}

func TestNegotiator_TracksChangedDuringOffer(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("A")}))
	f.establish(t, "b")

	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("A"), newLocalTrack("B")}))
	require.Len(t, f.signaling.emitted(domain.EventMakeOffer), 2)

	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("B")}))
	assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), 2, "held back while the offer is out")

	require.NoError(t, f.negotiator.OnAnswerMade(ctx, domain.P2PMessage{FromID: "b", SDP: sdp("answer")}))
	assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), 3)
	assert.Equal(t, domain.NegotiationOffering, f.negotiator.State("b"))
}

func TestNegotiator_Close(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx := context.Background()
	pc := f.establish(t, "b")
	offers := len(f.signaling.emitted(domain.EventMakeOffer))

	f.negotiator.Close("b")

	assert.True(t, pc.closed)
	assert.Empty(t, f.negotiator.Peers())
	assert.Equal(t, 1, f.events.count(domain.PeerClosed))

	require.NoError(t, f.negotiator.SetPublishedTracks(ctx, []webrtc.TrackLocal{newLocalTrack("A")}))
	pc.onCandidate(candidate("candidate:late"))
	f.negotiator.Close("b")

	assert.Len(t, f.signaling.emitted(domain.EventMakeOffer), offers)
	assert.Empty(t, f.signaling.emitted(domain.EventSendCandidate))
	assert.Equal(t, 1, f.events.count(domain.PeerClosed))
}

func TestNegotiator_FailedConnectionIsClosed(t *testing.T) {
	f := newNegotiatorFixture(t)
	pc := f.establish(t, "b")

	pc.onState("failed")

	assert.True(t, pc.closed)
	assert.Equal(t, domain.NegotiationNone, f.negotiator.State("b"))
	assert.Equal(t, 1, f.events.count(domain.PeerClosed))
}

func TestNegotiator_RemoteTracks(t *testing.T) {
	f := newNegotiatorFixture(t)
	require.NoError(t, f.negotiator.OnOfferMade(context.Background(), domain.P2PMessage{FromID: "a", SDP: sdp("offer")}))
	pc := f.factory.last()

	pc.onTrack(&fakeRemoteTrack{id: "a-audio", kind: domain.KindAudio})
	pc.onTrack(&fakeRemoteTrack{id: "a-video", kind: domain.KindVideo})

	added := f.events.of(domain.TrackAdded)
	require.Len(t, added, 2)
	assert.Equal(t, domain.ParticipantID("a"), added[0].ParticipantID)
	assert.Equal(t, domain.TrackID("a-video"), added[1].TrackID)
	assert.Equal(t, 1, pc.keyFrames, "only video asks for a key frame")
}

func TestNegotiator_Register(t *testing.T) {
	f := newNegotiatorFixture(t)
	require.NoError(t, f.negotiator.Register(context.Background()))

	f.signaling.push(domain.EventOfferMade, domain.P2PMessage{FromID: "a", SDP: sdp("offer")})
	assert.Len(t, f.signaling.emitted(domain.EventMakeAnswer), 1)

	f.signaling.mu.Lock()
	h := f.signaling.on[domain.EventAnswerMade]
	f.signaling.mu.Unlock()
	assert.NotPanics(t, func() { h(json.RawMessage(`{not json`)) })

	err := f.negotiator.Register(context.Background())
	assert.ErrorIs(t, err, domain.ErrHandlerRegistered)
}
