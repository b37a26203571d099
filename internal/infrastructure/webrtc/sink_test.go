package webrtc

import (
	"io"
	"sync"
	"testing"

	"stagewire/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fakeTrack struct {
	id      string
	kind    domain.MediaKind
	packets chan *rtp.Packet
}

func newFakeTrack(id string, kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, packets: make(chan *rtp.Packet, 16)}
}

func (f *fakeTrack) ID() string             { return f.id }
func (f *fakeTrack) Kind() domain.MediaKind { return f.kind }
func (f *fakeTrack) MimeType() string       { return "video/VP8" }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func TestSink_DrainsTracks(t *testing.T) {
	sink := NewSink(zaptest.NewLogger(t).Sugar())

	var (
		mu    sync.Mutex
		bytes = map[domain.MediaKind]int{}
	)
	sink.SetObserver(func(kind domain.MediaKind, n int) {
		mu.Lock()
		bytes[kind] += n
		mu.Unlock()
	})

	video := newFakeTrack("c1", domain.KindVideo)
	sink.Attach(domain.LifecycleEvent{Kind: domain.ConsumerAdded, ParticipantID: "u1", Track: video})
	sink.Attach(domain.LifecycleEvent{Kind: domain.ConsumerAdded, ParticipantID: "u1", Track: video})
	sink.Attach(domain.LifecycleEvent{Kind: domain.ConsumerAdded, ParticipantID: "u2"})

	video.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x10, 0x00, 0xaa}}
	video.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{0x10, 0x01}}

	assert.Eventually(t, func() bool {
		st, ok := sink.Stats()["c1"]
		return ok && st.Packets == 2
	}, waitFor, tick)

	st := sink.Stats()["c1"]
	assert.Equal(t, uint64(5), st.Bytes)
	assert.Equal(t, uint64(1), st.Keyframes)
	assert.Equal(t, uint16(2), st.LastSequence)
	assert.Equal(t, domain.ParticipantID("u1"), st.ParticipantID)

	close(video.packets)
	sink.Wait()
	assert.Empty(t, sink.Stats())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, bytes[domain.KindVideo])
}
