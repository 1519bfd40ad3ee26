package forward

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFeedback(t *testing.T, c *Coalescer, want int, timeout time.Duration) []Feedback {
	t.Helper()
	var out []Feedback
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case f, ok := <-c.Out():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestCoalescerFirstPLIPassesImmediately(t *testing.T) {
	c := NewCoalescer()
	defer c.Close()

	c.Push(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo, Rid: "q"})
	got := collectFeedback(t, c, 1, 20*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, FeedbackPLI, got[0].Kind)
	assert.Equal(t, "q", got[0].Rid)
}

func TestCoalescerCollapsesPLIBurst(t *testing.T) {
	c := NewCoalescer()
	defer c.Close()

	// Many subscribers panic at once; one PLI passes, the rest fold into a
	// single flush at the window boundary.
	for i := 0; i < 10; i++ {
		c.Push(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo, Rid: "q"})
	}
	got := collectFeedback(t, c, 3, 3*coalesceWindow)
	assert.Len(t, got, 2)
}

func TestCoalescerSeparatesKeys(t *testing.T) {
	c := NewCoalescer()
	defer c.Close()

	c.Push(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo, Rid: "q"})
	c.Push(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo, Rid: "f"})
	got := collectFeedback(t, c, 2, 20*time.Millisecond)
	assert.Len(t, got, 2)
}

func TestCoalescerUnionsSLI(t *testing.T) {
	c := NewCoalescer()
	defer c.Close()

	// Exhaust the immediate slot first.
	c.Push(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo})
	<-c.Out()

	e1 := rtcp.SLIEntry{First: 1, Number: 2, Picture: 3}
	e2 := rtcp.SLIEntry{First: 4, Number: 5, Picture: 6}
	c.Push(Feedback{Kind: FeedbackSLI, MediaKind: webrtc.RTPCodecTypeVideo, SLIEntries: []rtcp.SLIEntry{e1}})
	c.Push(Feedback{Kind: FeedbackSLI, MediaKind: webrtc.RTPCodecTypeVideo, SLIEntries: []rtcp.SLIEntry{e1, e2}})

	got := collectFeedback(t, c, 1, 3*coalesceWindow)
	require.Len(t, got, 1)
	assert.Equal(t, FeedbackSLI, got[0].Kind)
	assert.ElementsMatch(t, []rtcp.SLIEntry{e1, e2}, got[0].SLIEntries)
}

func TestCoalescerKeepsLatestFIRSeq(t *testing.T) {
	c := NewCoalescer()
	defer c.Close()

	c.Push(Feedback{Kind: FeedbackPLI, MediaKind: webrtc.RTPCodecTypeVideo})
	<-c.Out()

	c.Push(Feedback{Kind: FeedbackFIR, MediaKind: webrtc.RTPCodecTypeVideo, FIRSeq: 3})
	c.Push(Feedback{Kind: FeedbackFIR, MediaKind: webrtc.RTPCodecTypeVideo, FIRSeq: 7})

	got := collectFeedback(t, c, 1, 3*coalesceWindow)
	require.Len(t, got, 1)
	assert.Equal(t, FeedbackFIR, got[0].Kind)
	assert.Equal(t, uint8(7), got[0].FIRSeq)
}

func TestFeedbackRTCPRoundTrip(t *testing.T) {
	pli, ok := FeedbackFromRTCP(&rtcp.PictureLossIndication{MediaSSRC: 42}, webrtc.RTPCodecTypeVideo, "h")
	require.True(t, ok)
	assert.Equal(t, FeedbackPLI, pli.Kind)
	assert.Equal(t, "h", pli.Rid)

	out, isPLI := pli.ToRTCP(7).(*rtcp.PictureLossIndication)
	require.True(t, isPLI)
	assert.Equal(t, uint32(7), out.MediaSSRC)

	fir, ok := FeedbackFromRTCP(&rtcp.FullIntraRequest{
		FIR: []rtcp.FIREntry{{SSRC: 42, SequenceNumber: 9}},
	}, webrtc.RTPCodecTypeVideo, "")
	require.True(t, ok)
	assert.Equal(t, uint8(9), fir.FIRSeq)

	outFIR, isFIR := fir.ToRTCP(11).(*rtcp.FullIntraRequest)
	require.True(t, isFIR)
	require.Len(t, outFIR.FIR, 1)
	assert.Equal(t, uint32(11), outFIR.MediaSSRC)
	assert.Equal(t, uint8(9), outFIR.FIR[0].SequenceNumber)

	_, ok = FeedbackFromRTCP(&rtcp.ReceiverReport{}, webrtc.RTPCodecTypeVideo, "")
	assert.False(t, ok)
}
