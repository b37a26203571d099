package webrtc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// supportedCodecs are the codecs pion can packetize and depacketize.
var supportedCodecs = map[string]domain.MediaKind{
	strings.ToLower(webrtc.MimeTypeOpus): domain.KindAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeH264): domain.KindVideo,
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// Device is the client side of an SFU router, in the manner of
// mediasoup-client: Load narrows the router's capabilities to what pion
// supports, and transports are plain ORTC objects the router drives.
type Device struct {
	config Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	loaded bool
	caps   domain.RTPCapabilities
	api    *webrtc.API
}

var _ ports.MediaDevice = (*Device)(nil)

func NewDevice(cfg Config, logger *zap.SugaredLogger) *Device {
	return &Device{config: cfg, logger: logger}
}

// Load registers every router codec pion supports, with the router's payload
// types, so consumers decode what the router sends as is.
func (d *Device) Load(routerCaps domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return fmt.Errorf("%w: device already loaded", domain.ErrInvalidState)
	}

	me := &webrtc.MediaEngine{}
	var caps domain.RTPCapabilities
	for _, codec := range routerCaps.Codecs {
		kind, ok := supportedCodecs[strings.ToLower(codec.MimeType)]
		if !ok || kind != codec.Kind {
			continue
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    codec.MimeType,
				ClockRate:   codec.ClockRate,
				Channels:    codec.Channels,
				SDPFmtpLine: fmtpLine(codec.Parameters),
			},
			PayloadType: webrtc.PayloadType(codec.PreferredPayloadType),
		}
		if kind == domain.KindVideo {
			params.RTCPFeedback = videoFeedback
		}
		if err := me.RegisterCodec(params, codecType(kind)); err != nil {
			d.logger.Debugw("skipping router codec", "mime_type", codec.MimeType, "error", err)
			continue
		}
		caps.Codecs = append(caps.Codecs, codec)
	}
	caps.HeaderExtensions = routerCaps.HeaderExtensions

	if len(caps.Codecs) == 0 {
		return &domain.CapabilityMismatchError{Reason: "router offers no codec this device supports"}
	}

	api, err := d.config.newAPI(me)
	if err != nil {
		return err
	}
	d.api = api
	d.caps = caps
	d.loaded = true

	d.logger.Infow("device loaded",
		"codecs", len(caps.Codecs),
		"can_produce_audio", d.canProduce(domain.KindAudio),
		"can_produce_video", d.canProduce(domain.KindVideo),
	)
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canProduce(kind)
}

func (d *Device) canProduce(kind domain.MediaKind) bool {
	for _, codec := range d.caps.Codecs {
		if codec.Kind == kind {
			return true
		}
	}
	return false
}

func (d *Device) RTPCapabilities() domain.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) CreateSendTransport(opts domain.TransportOptions) (ports.MediaTransport, error) {
	return d.createTransport(opts, domain.DirectionSend)
}

func (d *Device) CreateReceiveTransport(opts domain.TransportOptions) (ports.MediaTransport, error) {
	return d.createTransport(opts, domain.DirectionReceive)
}

func (d *Device) createTransport(opts domain.TransportOptions, dir domain.TransportDirection) (ports.MediaTransport, error) {
	d.mu.Lock()
	api, loaded := d.api, d.loaded
	d.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("%w: device not loaded", domain.ErrInvalidState)
	}
	if opts.ID == "" {
		return nil, fmt.Errorf("%w: transport options without id", domain.ErrProtocolViolation)
	}
	return newTransport(api, d.config, opts, dir, d.logger.With("transport_id", opts.ID, "direction", dir))
}

// fmtpLine renders codec parameters as an SDP fmtp value.
func fmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

// parseFmtp is the inverse of fmtpLine. Values stay strings.
func parseFmtp(line string) map[string]interface{} {
	if line == "" {
		return nil
	}
	params := make(map[string]interface{})
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		params[k] = v
	}
	return params
}
