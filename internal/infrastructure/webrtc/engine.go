// Package webrtc adapts pion/webrtc to the media engine ports: P2P peer
// connections, the ORTC device used against an SFU router, local tracks and a
// sink for received media.
package webrtc

import (
	"stagewire/internal/core/domain"
	"stagewire/pkg/config"

	"github.com/pion/webrtc/v3"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func NewConfig(cfg config.WebRTCConfig) Config {
	var c Config
	for _, s := range cfg.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.PortRange.Min
	c.PortRange.Max = cfg.PortRange.Max
	return c
}

func (c Config) settingEngine() webrtc.SettingEngine {
	settingEngine := webrtc.SettingEngine{}
	if c.PortRange.Min > 0 && c.PortRange.Max > 0 {
		// Validated by config.Validate; the error only reports min > max.
		_ = settingEngine.SetEphemeralUDPPortRange(c.PortRange.Min, c.PortRange.Max)
	}
	return settingEngine
}

// newAPI builds an API on me. A nil engine registers pion's default codecs.
func (c Config) newAPI(me *webrtc.MediaEngine) (*webrtc.API, error) {
	if me == nil {
		me = &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(c.settingEngine()),
	), nil
}

func mediaKind(kind webrtc.RTPCodecType) domain.MediaKind {
	if kind == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
