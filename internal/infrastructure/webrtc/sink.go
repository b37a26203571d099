package webrtc

import (
	"sync"

	"stagewire/internal/core/domain"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// TrackStats counts what a sink received on one track.
type TrackStats struct {
	ParticipantID domain.ParticipantID
	Kind          domain.MediaKind
	Packets       uint64
	Bytes         uint64
	Keyframes     uint64
	LastSequence  uint16
}

// ByteObserver is told about every packet a sink drains.
type ByteObserver func(kind domain.MediaKind, bytes int)

// Sink drains received tracks in place of a renderer.
type Sink struct {
	logger   *zap.SugaredLogger
	observer ByteObserver

	mu     sync.Mutex
	tracks map[string]*TrackStats
	wg     sync.WaitGroup
}

func NewSink(logger *zap.SugaredLogger) *Sink {
	return &Sink{logger: logger, tracks: make(map[string]*TrackStats)}
}

func (s *Sink) SetObserver(fn ByteObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Attach starts draining the track carried by ev, if any. A track that is
// already attached is ignored.
func (s *Sink) Attach(ev domain.LifecycleEvent) {
	if ev.Track == nil {
		return
	}
	id := ev.Track.ID()

	s.mu.Lock()
	if _, ok := s.tracks[id]; ok {
		s.mu.Unlock()
		return
	}
	stats := &TrackStats{ParticipantID: ev.ParticipantID, Kind: ev.Track.Kind()}
	s.tracks[id] = stats
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drain(id, ev.Track, stats)
}

func (s *Sink) drain(id string, track domain.RemoteTrack, stats *TrackStats) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.tracks, id)
		s.mu.Unlock()
	}()

	codec, _ := track.(interface{ MimeType() string })
	mime := ""

	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			s.logger.Debugw("track ended", "track_id", id, "participant_id", stats.ParticipantID, "error", err)
			return
		}
		// pion resolves the codec with the first packet.
		if mime == "" && codec != nil {
			mime = codec.MimeType()
		}
		s.record(stats, mime, pkt)
	}
}

func (s *Sink) record(stats *TrackStats, mime string, pkt *rtp.Packet) {
	size := len(pkt.Payload)

	s.mu.Lock()
	stats.Packets++
	stats.Bytes += uint64(size)
	stats.LastSequence = pkt.SequenceNumber
	if stats.Kind == domain.KindVideo && isKeyframe(mime, pkt) {
		stats.Keyframes++
	}
	packets := stats.Packets
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(stats.Kind, size)
	}
	if packets%500 == 0 {
		s.logger.Debugw("receiving media",
			"participant_id", stats.ParticipantID,
			"kind", stats.Kind,
			"packets", packets,
			"sequence", pkt.SequenceNumber,
		)
	}
}

// Stats returns a copy of the counters of every attached track.
func (s *Sink) Stats() map[string]TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TrackStats, len(s.tracks))
	for id, st := range s.tracks {
		out[id] = *st
	}
	return out
}

// Wait blocks until every attached track has ended.
func (s *Sink) Wait() {
	s.wg.Wait()
}
