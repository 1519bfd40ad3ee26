package payload

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// packetizeVP9 turns one frame into input RTP packets with the given mtu
// and starting sequence number.
func packetizeVP9(t *testing.T, frame []byte, mtu uint16, startSeq uint16, timestamp uint32) []*rtp.Packet {
	t.Helper()
	payloader := &codecs.VP9Payloader{
		InitialPictureIDFn: func() uint16 { return 0 },
	}
	payloads := payloader.Payload(mtu, frame)
	require.NotEmpty(t, payloads)

	out := make([]*rtp.Packet, 0, len(payloads))
	for i, p := range payloads {
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    98,
				SequenceNumber: startSeq + uint16(i),
				Timestamp:      timestamp,
				SSRC:           0xCAFE,
				Marker:         i == len(payloads)-1,
			},
			Payload: p,
		})
	}
	return out
}

func depacketizeVP9(t *testing.T, packets []*rtp.Packet) []byte {
	t.Helper()
	var frame []byte
	for _, p := range packets {
		d := &codecs.VP9Packet{}
		buf, err := d.Unmarshal(p.Payload)
		require.NoError(t, err)
		frame = append(frame, buf...)
	}
	return frame
}

func TestRePayloadVP9AcrossMTU(t *testing.T) {
	// A 2600-byte frame entering as 3 packets (seq 100..102, marker on the
	// last) must leave as 3 packets of at most the outbound MTU, with
	// monotonic sequence numbers, the input timestamp and a final marker.
	frame := make([]byte, 2600)
	for i := range frame {
		frame[i] = byte(i)
	}
	input := packetizeVP9(t, frame, 1200, 100, 7777)
	require.Len(t, input, 3)

	r, err := NewRePayloaderWithSequencer(webrtc.MimeTypeVP9, rtp.NewFixedSequencer(1), testLogger())
	require.NoError(t, err)

	var out []*rtp.Packet
	for _, pkt := range input {
		out = append(out, r.Push(pkt)...)
	}
	require.Len(t, out, 3)

	for i, pkt := range out {
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), OutboundMTU)
		assert.Equal(t, uint16(1+i), pkt.SequenceNumber)
		assert.Equal(t, uint32(7777), pkt.Timestamp)
		assert.Equal(t, uint32(0xCAFE), pkt.SSRC)
		assert.Equal(t, i == len(out)-1, pkt.Marker)
	}

	// Repacketize-then-depacketize preserves the frame bytes.
	assert.True(t, bytes.Equal(frame, depacketizeVP9(t, out)))
}

func TestRePayloadEmitsNothingBeforeMarker(t *testing.T) {
	frame := make([]byte, 2600)
	input := packetizeVP9(t, frame, 1400, 0, 1)

	r, err := NewRePayloader(webrtc.MimeTypeVP9, testLogger())
	require.NoError(t, err)

	for _, pkt := range input[:len(input)-1] {
		assert.Empty(t, r.Push(pkt))
	}
	assert.NotEmpty(t, r.Push(input[len(input)-1]))
}

func TestRePayloadSequenceContinuesAcrossFrames(t *testing.T) {
	r, err := NewRePayloaderWithSequencer(webrtc.MimeTypeVP9, rtp.NewFixedSequencer(10), testLogger())
	require.NoError(t, err)

	firstIn := packetizeVP9(t, make([]byte, 500), 1400, 0, 1)
	secondIn := packetizeVP9(t, make([]byte, 500), 1400, uint16(len(firstIn)), 2)

	var out []*rtp.Packet
	for _, pkt := range firstIn {
		out = append(out, r.Push(pkt)...)
	}
	for _, pkt := range secondIn {
		out = append(out, r.Push(pkt)...)
	}
	require.GreaterOrEqual(t, len(out), 2)
	for i := 1; i < len(out); i++ {
		assert.Equal(t, out[i-1].SequenceNumber+1, out[i].SequenceNumber)
	}
}

func TestRePayloadSequenceGapDropsPartialFrame(t *testing.T) {
	r, err := NewRePayloader(webrtc.MimeTypeVP9, testLogger())
	require.NoError(t, err)

	input := packetizeVP9(t, make([]byte, 2600), 1200, 0, 1)
	require.Len(t, input, 3)

	// Lose the middle packet; the frame is dropped, not emitted corrupt.
	assert.Empty(t, r.Push(input[0]))
	assert.Empty(t, r.Push(input[2]))

	// The next complete frame flows through again.
	next := packetizeVP9(t, make([]byte, 500), 1400, input[2].SequenceNumber+1, 2)
	var out []*rtp.Packet
	for _, pkt := range next {
		out = append(out, r.Push(pkt)...)
	}
	assert.NotEmpty(t, out)
}

func TestRePayloadUnsupportedCodec(t *testing.T) {
	_, err := NewRePayloader("video/AV1", testLogger())
	assert.Error(t, err)
}
