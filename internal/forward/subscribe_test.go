package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"livefabric/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource exposes publish tracks by (kind, rid) and records feedback.
type fakeSource struct {
	mu       sync.Mutex
	tracks   map[trackKey]*PublishTrack
	feedback []Feedback
}

func newFakeSource() *fakeSource {
	return &fakeSource{tracks: make(map[trackKey]*PublishTrack)}
}

func (s *fakeSource) add(kind webrtc.RTPCodecType, rid string, track *PublishTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[trackKey{kind: kind, rid: rid}] = track
}

func (s *fakeSource) Track(kind webrtc.RTPCodecType, rid string) *PublishTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[trackKey{kind: kind, rid: rid}]
}

func (s *fakeSource) Feedback(f Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, f)
}

func (s *fakeSource) feedbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feedback)
}

// captureWriter records written packets.
type captureWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (w *captureWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *p
	w.packets = append(w.packets, &cp)
	return nil
}

func (w *captureWriter) waitFor(t *testing.T, n int, timeout time.Duration) []*rtp.Packet {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		w.mu.Lock()
		if len(w.packets) >= n {
			out := append([]*rtp.Packet(nil), w.packets...)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d packets", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const (
	vp8Keyframe   = 0x00 // P bit clear
	vp8Interframe = 0x01
)

func vp8Payload(first byte) []byte {
	// S=1, PID=0 descriptor followed by the first payload octet.
	return []byte{0x10, first, 0xAA, 0xBB}
}

func startLayer(t *testing.T, source *fakeSource, rid string) *fakeRemoteTrack {
	t.Helper()
	remote := newFakeRemoteTrack(webrtc.RTPCodecTypeVideo, rid, webrtc.MimeTypeVP8)
	track := NewPublishTrack("demo", "pub", remote, testLogger())
	t.Cleanup(track.Close)
	source.add(webrtc.RTPCodecTypeVideo, rid, track)
	return remote
}

func TestKindForwarderForwardsInOrder(t *testing.T) {
	source := newFakeSource()
	remote := startLayer(t, source, "q")

	out := &captureWriter{}
	fwd := newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.run(ctx)

	for i := uint16(100); i < 105; i++ {
		remote.push(i, vp8Payload(vp8Interframe))
	}

	got := out.waitFor(t, 5, time.Second)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].SequenceNumber+1, got[i].SequenceNumber)
	}
}

func TestKindForwarderLayerSwitchGatesOnKeyframe(t *testing.T) {
	source := newFakeSource()
	remoteQ := startLayer(t, source, "q")
	remoteF := startLayer(t, source, "f")

	out := &captureWriter{}
	fwd := newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.run(ctx)

	remoteQ.push(1, vp8Payload(vp8Interframe))
	out.waitFor(t, 1, time.Second)

	// Switch to "f": non-keyframes are dropped until a keyframe arrives.
	require.True(t, fwd.rebind(source.Track(webrtc.RTPCodecTypeVideo, "f"), "f"))
	assert.Equal(t, "f", fwd.currentRid())

	remoteF.push(50, vp8Payload(vp8Interframe))
	remoteF.push(51, vp8Payload(vp8Interframe))
	remoteF.push(52, vp8Payload(vp8Keyframe))
	remoteF.push(53, vp8Payload(vp8Interframe))

	got := out.waitFor(t, 3, time.Second)
	// One packet from "q", then the keyframe and its successor from "f";
	// the two pre-keyframe interframes never surface.
	require.Len(t, got, 3)
	assert.Equal(t, vp8Keyframe, int(got[1].Payload[1]))
	// Output sequence numbers stay monotonic across the switch.
	assert.Equal(t, got[0].SequenceNumber+1, got[1].SequenceNumber)
	assert.Equal(t, got[1].SequenceNumber+1, got[2].SequenceNumber)
}

func TestKindForwarderRebindToSameTrackIsNoop(t *testing.T) {
	source := newFakeSource()
	startLayer(t, source, "q")

	out := &captureWriter{}
	fwd := newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())

	assert.False(t, fwd.rebind(source.Track(webrtc.RTPCodecTypeVideo, "q"), "q"))
	assert.False(t, fwd.waitKeyframe)
}

func TestKindForwarderDisable(t *testing.T) {
	source := newFakeSource()
	remote := startLayer(t, source, "q")

	out := &captureWriter{}
	fwd := newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.run(ctx)

	remote.push(1, vp8Payload(vp8Interframe))
	out.waitFor(t, 1, time.Second)

	fwd.disable()
	remote.push(2, vp8Payload(vp8Interframe))
	remote.push(3, vp8Payload(vp8Interframe))
	time.Sleep(50 * time.Millisecond)

	out.mu.Lock()
	count := len(out.packets)
	out.mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Equal(t, "q", fwd.lastRid())
}

func TestSelectLayerAbsentRidKeepsBinding(t *testing.T) {
	source := newFakeSource()
	startLayer(t, source, "q")

	s := newSubscribeSession("demo", "sub", nil, source, SubscribeOptions{}, testLogger())
	out := &captureWriter{}
	s.video = newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())

	// Requesting a layer the publisher dropped reports success and keeps
	// the previous binding; no PLI is raised.
	require.NoError(t, s.SelectLayer("x"))
	assert.Equal(t, "q", s.video.currentRid())
	assert.Equal(t, 0, source.feedbackCount())
}

func TestSelectLayerSwitchRaisesPLI(t *testing.T) {
	source := newFakeSource()
	startLayer(t, source, "q")
	startLayer(t, source, "f")

	s := newSubscribeSession("demo", "sub", nil, source, SubscribeOptions{}, testLogger())
	out := &captureWriter{}
	s.video = newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())

	require.NoError(t, s.SelectLayer("f"))
	require.Equal(t, 1, source.feedbackCount())
	assert.Equal(t, FeedbackPLI, source.feedback[0].Kind)
	assert.Equal(t, "f", source.feedback[0].Rid)

	// Idempotence: re-selecting the current layer neither re-gates nor
	// raises another PLI.
	require.NoError(t, s.SelectLayer("f"))
	assert.Equal(t, 1, source.feedbackCount())
}

func TestLayerReappearanceRebinds(t *testing.T) {
	source := newFakeSource()
	s := newSubscribeSession("demo", "sub", nil, source, SubscribeOptions{}, testLogger())
	out := &captureWriter{}
	// The wanted layer is absent at creation: the forwarder starts parked.
	s.video = newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())
	s.video.mu.Lock()
	assert.Nil(t, s.video.recv)
	s.video.mu.Unlock()

	// The publisher starts sending the layer again.
	startLayer(t, source, "q")
	s.HandleTrackAvailable(source.Track(webrtc.RTPCodecTypeVideo, "q"))

	s.video.mu.Lock()
	assert.NotNil(t, s.video.recv)
	s.video.mu.Unlock()
	require.Equal(t, 1, source.feedbackCount())
	assert.Equal(t, FeedbackPLI, source.feedback[0].Kind)
}

func TestSelectLayerDisabled(t *testing.T) {
	source := newFakeSource()
	startLayer(t, source, "q")

	s := newSubscribeSession("demo", "sub", nil, source, SubscribeOptions{}, testLogger())
	out := &captureWriter{}
	s.video = newKindForwarder(webrtc.RTPCodecTypeVideo, out, source, "q", testLogger())

	require.NoError(t, s.SelectLayer(domain.LayerDisabled))
	s.video.mu.Lock()
	assert.Nil(t, s.video.recv)
	s.video.mu.Unlock()

	// Re-enable restores the previous layer.
	s.ChangeResource(webrtc.RTPCodecTypeVideo, true)
	assert.Equal(t, "q", s.video.currentRid())
	s.video.mu.Lock()
	assert.NotNil(t, s.video.recv)
	s.video.mu.Unlock()
}
