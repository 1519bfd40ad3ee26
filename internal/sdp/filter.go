package sdp

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// FilterCodecs removes every payload type whose codec name matches the
// disable list (case-insensitive) from all media sections of the SDP,
// dropping the matching rtpmap/fmtp/rtcp-fb lines as well. Remaining
// payload types keep their original order. If any media section would be
// left with zero payload types the whole request fails, naming the media.
func FilterCodecs(offer string, disabled []string) (string, error) {
	if len(disabled) == 0 {
		return offer, nil
	}
	disabledSet := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		disabledSet[strings.ToLower(name)] = struct{}{}
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", fmt.Errorf("sdp parse failed: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" && media.MediaName.Media != "video" {
			continue
		}

		removed := make(map[string]struct{})
		for _, attr := range media.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			// "96 H264/90000" → payload type and codec name.
			fields := strings.SplitN(attr.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			codec := strings.SplitN(fields[1], "/", 2)[0]
			if _, ok := disabledSet[strings.ToLower(codec)]; ok {
				removed[fields[0]] = struct{}{}
			}
		}
		if len(removed) == 0 {
			continue
		}

		kept := media.MediaName.Formats[:0]
		for _, pt := range media.MediaName.Formats {
			if _, ok := removed[pt]; !ok {
				kept = append(kept, pt)
			}
		}
		if len(kept) == 0 {
			return "", fmt.Errorf("codec filter would leave media %q with no payload types", media.MediaName.Media)
		}
		media.MediaName.Formats = kept

		attrs := media.Attributes[:0]
		for _, attr := range media.Attributes {
			if isCodecAttribute(attr.Key) {
				pt := strings.SplitN(attr.Value, " ", 2)[0]
				if _, ok := removed[pt]; ok {
					continue
				}
			}
			attrs = append(attrs, attr)
		}
		media.Attributes = attrs
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("sdp marshal failed: %w", err)
	}
	return string(out), nil
}

func isCodecAttribute(key string) bool {
	switch key {
	case "rtpmap", "fmtp", "rtcp-fb":
		return true
	default:
		return false
	}
}
