package webrtc

import (
	"fmt"
	"strings"

	"stagewire/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

func toDomainDTLS(params webrtc.DTLSParameters) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: params.Role.String()}
	for _, fp := range params.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out
}

func toWebRTCDTLS(params domain.DTLSParameters) webrtc.DTLSParameters {
	var out webrtc.DTLSParameters
	switch params.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	default:
		out.Role = webrtc.DTLSRoleAuto
	}
	for _, fp := range params.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out
}

func toICECandidates(candidates []domain.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %s: %v", domain.ErrProtocolViolation, c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(strings.ToLower(c.Type))
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %s: %v", domain.ErrProtocolViolation, c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

type codecTrack interface {
	Codec() webrtc.RTPCodecCapability
}

// producerParameters describes what sender will send for track, in the form
// the router's send-track request takes.
func producerParameters(send webrtc.RTPSendParameters, track webrtc.TrackLocal, opts domain.LocalProducer) (domain.RTPParameters, error) {
	if len(send.Codecs) == 0 || len(send.Encodings) == 0 {
		return domain.RTPParameters{}, &domain.CapabilityMismatchError{Kind: opts.Kind(), Reason: "no codec registered"}
	}

	codec := send.Codecs[0]
	if ct, ok := track.(codecTrack); ok {
		want := strings.ToLower(ct.Codec().MimeType)
		found := false
		for _, c := range send.Codecs {
			if strings.ToLower(c.MimeType) == want {
				codec, found = c, true
				break
			}
		}
		if !found {
			return domain.RTPParameters{}, &domain.CapabilityMismatchError{Kind: opts.Kind(), Reason: "router does not accept " + ct.Codec().MimeType}
		}
	}

	encoding := domain.RTPEncoding{SSRC: uint32(send.Encodings[0].SSRC)}
	switch p := opts.(type) {
	case domain.AudioProducer:
		encoding.DTX = p.DTX
	case domain.VideoProducer:
		encoding.MaxBitrate = p.MaxBitrate * 1000
	}

	params := codecParameters(codec)
	if a, ok := opts.(domain.AudioProducer); ok && a.Stereo {
		if params.Parameters == nil {
			params.Parameters = make(map[string]interface{})
		}
		params.Parameters["stereo"] = 1
		params.Parameters["sprop-stereo"] = 1
	}

	return domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{params},
		Encodings: []domain.RTPEncoding{encoding},
	}, nil
}

func codecParameters(codec webrtc.RTPCodecParameters) domain.RTPCodecParameters {
	return domain.RTPCodecParameters{
		MimeType:    codec.MimeType,
		PayloadType: uint8(codec.PayloadType),
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		Parameters:  parseFmtp(codec.SDPFmtpLine),
	}
}
