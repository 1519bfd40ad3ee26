package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offerWithH264AndVP8 = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtpmap:111 opus/48000/2
a=sendrecv
m=video 9 UDP/TLS/RTP/SAVPF 96 97 102
c=IN IP4 0.0.0.0
a=rtpmap:96 VP8/90000
a=rtcp-fb:96 nack pli
a=rtpmap:97 rtx/90000
a=fmtp:97 apt=96
a=rtpmap:102 H264/90000
a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1
a=rtcp-fb:102 nack pli
a=sendonly
`

func TestFilterCodecsRemovesDisabled(t *testing.T) {
	out, err := FilterCodecs(offerWithH264AndVP8, []string{"H264"})
	require.NoError(t, err)

	assert.NotContains(t, out, "H264")
	assert.NotContains(t, out, "a=rtpmap:102")
	assert.NotContains(t, out, "a=fmtp:102")
	assert.NotContains(t, out, "a=rtcp-fb:102")

	// Remaining payload types keep their original order.
	for _, line := range strings.Split(out, "\r\n") {
		if strings.HasPrefix(line, "m=video") {
			assert.True(t, strings.HasSuffix(line, "96 97"), "unexpected m=video line: %s", line)
		}
	}
	// The VP8 attributes and the audio section survive untouched.
	assert.Contains(t, out, "a=rtpmap:96 VP8/90000")
	assert.Contains(t, out, "a=rtcp-fb:96 nack pli")
	assert.Contains(t, out, "a=rtpmap:111 opus/48000/2")
}

func TestFilterCodecsCaseInsensitive(t *testing.T) {
	out, err := FilterCodecs(offerWithH264AndVP8, []string{"h264"})
	require.NoError(t, err)
	assert.NotContains(t, out, "H264")
}

func TestFilterCodecsEmptyMediaFails(t *testing.T) {
	_, err := FilterCodecs(offerWithH264AndVP8, []string{"VP8", "rtx", "H264"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video")
}

func TestFilterCodecsNoDisableListIsIdentity(t *testing.T) {
	out, err := FilterCodecs(offerWithH264AndVP8, nil)
	require.NoError(t, err)
	assert.Equal(t, offerWithH264AndVP8, out)
}

func TestFilterCodecsUnknownCodecNoop(t *testing.T) {
	out, err := FilterCodecs(offerWithH264AndVP8, []string{"AV1"})
	require.NoError(t, err)
	assert.Contains(t, out, "H264")
	assert.Contains(t, out, "VP8")
}

func TestParseMediaInfo(t *testing.T) {
	info, err := ParseMediaInfo(offerWithH264AndVP8)
	require.NoError(t, err)
	assert.Equal(t, 1, info.VideoSend)
	assert.Equal(t, 0, info.VideoRecv)
	assert.Equal(t, 1, info.AudioSend)
	assert.Equal(t, 1, info.AudioRecv)
	assert.False(t, info.Simulcast)
	assert.True(t, info.WantsPublish())
	assert.False(t, info.WantsSubscribe())
}

func TestParseMediaInfoSimulcast(t *testing.T) {
	offer := strings.Replace(offerWithH264AndVP8, "a=sendonly",
		"a=sendonly\r\na=simulcast:send q;h;f", 1)
	info, err := ParseMediaInfo(offer)
	require.NoError(t, err)
	assert.True(t, info.Simulcast)
}

func TestParseMediaInfoInvalid(t *testing.T) {
	_, err := ParseMediaInfo("not sdp")
	assert.Error(t, err)
}
