package sdp

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// MediaInfo summarizes the transceiver directions an SDP requests, per
// kind, plus whether video uses simulcast.
type MediaInfo struct {
	VideoSend int
	VideoRecv int
	AudioSend int
	AudioRecv int
	Simulcast bool
}

// ParseMediaInfo inspects the direction and simulcast attributes of an
// offer. Directions are counted from the offerer's perspective.
func ParseMediaInfo(offer string) (MediaInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return MediaInfo{}, fmt.Errorf("sdp parse failed: %w", err)
	}

	var info MediaInfo
	for _, media := range desc.MediaDescriptions {
		var send, recv *int
		switch media.MediaName.Media {
		case "video":
			send, recv = &info.VideoSend, &info.VideoRecv
		case "audio":
			send, recv = &info.AudioSend, &info.AudioRecv
		default:
			continue
		}
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "sendonly":
				*send++
			case "recvonly":
				*recv++
			case "sendrecv":
				*send++
				*recv++
			case "simulcast":
				if media.MediaName.Media == "video" {
					info.Simulcast = true
				}
			}
		}
	}
	return info, nil
}

// WantsPublish reports whether the offer sends any media toward us.
func (m MediaInfo) WantsPublish() bool {
	return m.VideoSend > 0 || m.AudioSend > 0
}

// WantsSubscribe reports whether the offer only receives media.
func (m MediaInfo) WantsSubscribe() bool {
	return !m.WantsPublish() && (m.VideoRecv > 0 || m.AudioRecv > 0)
}
