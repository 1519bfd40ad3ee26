package forward

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRemoteTrack feeds packets from a channel; closing it ends the track.
type fakeRemoteTrack struct {
	rid     string
	kind    webrtc.RTPCodecType
	ssrc    webrtc.SSRC
	codec   webrtc.RTPCodecParameters
	packets chan *rtp.Packet
}

func newFakeRemoteTrack(kind webrtc.RTPCodecType, rid string, mime string) *fakeRemoteTrack {
	return &fakeRemoteTrack{
		rid:  rid,
		kind: kind,
		ssrc: 12345,
		codec: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
			PayloadType:        96,
		},
		packets: make(chan *rtp.Packet, 256),
	}
}

func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func (f *fakeRemoteTrack) RID() string                        { return f.rid }
func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType          { return f.kind }
func (f *fakeRemoteTrack) SSRC() webrtc.SSRC                  { return f.ssrc }
func (f *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters   { return f.codec }
func (f *fakeRemoteTrack) push(seq uint16, payload []byte) {
	f.packets <- &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq, SSRC: uint32(f.ssrc)},
		Payload: payload,
	}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestPublishTrackFansOutInOrder(t *testing.T) {
	remote := newFakeRemoteTrack(webrtc.RTPCodecTypeVideo, "q", webrtc.MimeTypeVP8)
	track := NewPublishTrack("demo", "s1", remote, testLogger())
	defer track.Close()

	recv := track.Subscribe()
	defer recv.Close()

	for i := uint16(0); i < 10; i++ {
		remote.push(i, []byte{0x10, 0x00})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := uint16(0); i < 10; i++ {
		pkt, err := recv.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, pkt.SequenceNumber)
	}
}

func TestPublishTrackEndsOnEOF(t *testing.T) {
	remote := newFakeRemoteTrack(webrtc.RTPCodecTypeVideo, "", webrtc.MimeTypeVP8)
	track := NewPublishTrack("demo", "s1", remote, testLogger())

	recv := track.Subscribe()
	remote.push(1, []byte{0x10, 0x00})
	close(remote.packets)

	select {
	case <-track.Done():
	case <-time.After(time.Second):
		t.Fatal("track did not terminate on EOF")
	}

	// The retained packet is still drained before the closed error.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := recv.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), pkt.SequenceNumber)
	_, err = recv.Recv(ctx)
	assert.ErrorIs(t, err, ErrRingClosed)
}

func TestPublishTrackCloseIsIdempotent(t *testing.T) {
	remote := newFakeRemoteTrack(webrtc.RTPCodecTypeAudio, "", webrtc.MimeTypeOpus)
	track := NewPublishTrack("demo", "s1", remote, testLogger())
	track.Close()
	track.Close()
	close(remote.packets)

	select {
	case <-track.Done():
	case <-time.After(time.Second):
		t.Fatal("track not done after close")
	}
}

func TestPublishTrackMetadata(t *testing.T) {
	remote := newFakeRemoteTrack(webrtc.RTPCodecTypeVideo, "h", webrtc.MimeTypeVP9)
	track := NewPublishTrack("demo", "s1", remote, testLogger())
	defer track.Close()

	assert.Equal(t, "h", track.Rid())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
	assert.Equal(t, uint32(12345), track.SSRC())
	info := track.CodecInfo()
	assert.Equal(t, webrtc.MimeTypeVP9, info.MimeType)
	assert.Equal(t, uint32(90000), info.ClockRate)
}
