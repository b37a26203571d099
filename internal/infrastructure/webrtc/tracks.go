package webrtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

var ErrNoSource = errors.New("no media source")

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type TrackSourceOptions struct {
	StreamID string
	// VideoFile is an IVF file with VP8 frames, looped. Without it the
	// source cannot provide video.
	VideoFile string
}

// TrackSource hands out local tracks fed by generator goroutines: Opus
// silence for audio and an IVF file for video.
type TrackSource struct {
	opts   TrackSourceOptions
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active map[domain.MediaKind]*localTrack
}

type localTrack struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	done  chan struct{}
}

var _ ports.TrackSource = (*TrackSource)(nil)

func NewTrackSource(opts TrackSourceOptions, logger *zap.SugaredLogger) *TrackSource {
	if opts.StreamID == "" {
		opts.StreamID = "stagewire"
	}
	return &TrackSource{
		opts:   opts,
		logger: logger,
		active: make(map[domain.MediaKind]*localTrack),
	}
}

// Acquire returns the track of kind, starting its generator on first use.
func (s *TrackSource) Acquire(kind domain.MediaKind) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lt, ok := s.active[kind]; ok {
		return lt.track, nil
	}

	var (
		codec webrtc.RTPCodecCapability
		run   func(*webrtc.TrackLocalStaticSample, <-chan struct{}) error
	)
	switch kind {
	case domain.KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		run = writeSilence
	case domain.KindVideo:
		if s.opts.VideoFile == "" {
			return nil, fmt.Errorf("%w for video", ErrNoSource)
		}
		if _, err := os.Stat(s.opts.VideoFile); err != nil {
			return nil, fmt.Errorf("video source: %w", err)
		}
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		file := s.opts.VideoFile
		run = func(track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) error {
			return loopIVF(file, track, stop)
		}
	default:
		return nil, fmt.Errorf("invalid media kind %q", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), s.opts.StreamID)
	if err != nil {
		return nil, err
	}
	lt := &localTrack{track: track, stop: make(chan struct{}), done: make(chan struct{})}
	s.active[kind] = lt

	go func() {
		defer close(lt.done)
		if err := run(track, lt.stop); err != nil {
			s.logger.Warnw("local media source stopped", "kind", kind, "error", err)
		}
	}()

	s.logger.Debugw("local track acquired", "kind", kind, "track_id", track.ID())
	return track, nil
}

// Release stops the generator of kind. Releasing an idle kind is a no-op.
func (s *TrackSource) Release(kind domain.MediaKind) {
	s.mu.Lock()
	lt, ok := s.active[kind]
	delete(s.active, kind)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(lt.stop)
	<-lt.done
}

func (s *TrackSource) Close() {
	for _, kind := range domain.MediaKinds {
		s.Release(kind)
	}
}

func writeSilence(track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) error {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
		}
	}
}

func loopIVF(path string, track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) error {
	for {
		if err := playIVF(path, track, stop); err != nil {
			return err
		}
		select {
		case <-stop:
			return nil
		default:
		}
	}
}

// playIVF writes the frames of one pass over the file, paced by its timebase.
func playIVF(path string, track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("read IVF header: %w", err)
	}
	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("IVF file %s has no timebase", path)
	}
	frameDuration := time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read IVF frame: %w", err)
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}
