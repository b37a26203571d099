package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// isKeyframe reports whether pkt starts a key frame for the given codec.
// Codecs other than VP8 and H264 are never reported.
func isKeyframe(mimeType string, pkt *rtp.Packet) bool {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return vp8Keyframe(pkt.Payload)
	case strings.ToLower(webrtc.MimeTypeH264):
		return h264Keyframe(pkt.Payload)
	}
	return false
}

// vp8Keyframe parses the RFC 7741 payload descriptor and checks the P bit of
// the first partition's frame header.
func vp8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	desc := payload[0]
	start := desc&0x10 != 0
	partition := desc & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if desc&0x80 != 0 {
		if len(payload) <= i {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // picture ID
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // TL0PICIDX
			i++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // TID/KEYIDX
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

// h264Keyframe looks for an IDR slice or SPS in single NAL, STAP-A and FU-A
// packets.
func h264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case 5, 7:
		return true
	case 24: // STAP-A
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				return false
			}
			if t := payload[i] & 0x1F; t == 5 || t == 7 {
				return true
			}
			i += size
		}
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x80 != 0 && payload[1]&0x1F == 5
	}
	return false
}
