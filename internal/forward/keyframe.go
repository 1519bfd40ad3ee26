package forward

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// isKeyframeStart reports whether the RTP payload begins a decodable
// keyframe for the given codec. Used to gate forwarding after a layer
// switch: non-keyframe video is dropped until the publisher answers the PLI.
func isKeyframeStart(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return isVP9Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	default:
		// Unknown codec: never gate, forward everything.
		return true
	}
}

// VP8 payload descriptor, RFC 7741. The keyframe test needs the S bit,
// PID 0 and the P bit of the first payload octet.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	idx := 1
	s := payload[0]&0x10 != 0
	pid := payload[0] & 0x0F
	if payload[0]&0x80 != 0 { // X
		if len(payload) < idx+1 {
			return false
		}
		ext := payload[idx]
		idx++
		if ext&0x80 != 0 { // I
			if len(payload) < idx+1 {
				return false
			}
			if payload[idx]&0x80 != 0 { // 15-bit PictureID
				idx++
			}
			idx++
		}
		if ext&0x40 != 0 { // L
			idx++
		}
		if ext&0x30 != 0 { // T/K
			idx++
		}
	}
	if !s || pid != 0 || len(payload) <= idx {
		return false
	}
	return payload[idx]&0x01 == 0
}

// VP9 flexible-mode payload descriptor. Inverted P bit marks a keyframe.
func isVP9Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	b := payload[0]
	return b&0x40 == 0 && b&0x08 != 0 // P == 0 and B == 1
}

const (
	naluTypeIDR   = 5
	naluTypeStapA = 24
	naluTypeFuA   = 28
)

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch payload[0] & 0x1F {
	case naluTypeIDR:
		return true
	case naluTypeStapA:
		// Walk the aggregated NAL units.
		i := 1
		for i+2 < len(payload) {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) || size == 0 {
				break
			}
			if payload[i]&0x1F == naluTypeIDR {
				return true
			}
			i += size
		}
		return false
	case naluTypeFuA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == naluTypeIDR
	default:
		return false
	}
}
