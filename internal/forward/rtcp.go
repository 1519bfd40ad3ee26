package forward

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"golang.org/x/time/rate"
)

// FeedbackKind identifies the RTCP feedback messages routed upstream.
type FeedbackKind int

const (
	FeedbackPLI FeedbackKind = iota
	FeedbackFIR
	FeedbackSLI
)

// Feedback is subscriber-origin RTCP feedback tagged with the media kind and
// simulcast layer it targets. The publish session resolves the tag back to
// the originally published SSRC.
type Feedback struct {
	Kind       FeedbackKind
	MediaKind  webrtc.RTPCodecType
	Rid        string
	FIRSeq     uint8
	SLIEntries []rtcp.SLIEntry
}

// FeedbackFromRTCP extracts a routable feedback message from an egress RTCP
// packet. Reports and other packet types are dropped.
func FeedbackFromRTCP(pkt rtcp.Packet, mediaKind webrtc.RTPCodecType, rid string) (Feedback, bool) {
	switch p := pkt.(type) {
	case *rtcp.PictureLossIndication:
		return Feedback{Kind: FeedbackPLI, MediaKind: mediaKind, Rid: rid}, true
	case *rtcp.FullIntraRequest:
		fb := Feedback{Kind: FeedbackFIR, MediaKind: mediaKind, Rid: rid}
		if len(p.FIR) > 0 {
			fb.FIRSeq = p.FIR[0].SequenceNumber
		}
		return fb, true
	case *rtcp.SliceLossIndication:
		return Feedback{Kind: FeedbackSLI, MediaKind: mediaKind, Rid: rid, SLIEntries: p.SLIEntries}, true
	default:
		return Feedback{}, false
	}
}

// ToRTCP builds the upstream packet with the publisher's SSRC for the
// targeted track.
func (f Feedback) ToRTCP(mediaSSRC uint32) rtcp.Packet {
	switch f.Kind {
	case FeedbackFIR:
		return &rtcp.FullIntraRequest{
			MediaSSRC: mediaSSRC,
			FIR:       []rtcp.FIREntry{{SSRC: mediaSSRC, SequenceNumber: f.FIRSeq}},
		}
	case FeedbackSLI:
		return &rtcp.SliceLossIndication{
			MediaSSRC:  mediaSSRC,
			SLIEntries: f.SLIEntries,
		}
	default:
		return &rtcp.PictureLossIndication{MediaSSRC: mediaSSRC}
	}
}

// coalesceWindow is the dedup window for subscriber feedback.
const coalesceWindow = 50 * time.Millisecond

type coalesceKey struct {
	mediaKind webrtc.RTPCodecType
	rid       string
}

type coalesceState struct {
	limiter *rate.Limiter
	// pending state accumulated while the window is closed
	pli        bool
	fir        bool
	firSeq     uint8
	sli        map[rtcp.SLIEntry]struct{}
	flushTimer *time.Timer
}

// Coalescer dedups and rate-limits PLI/FIR/SLI from many subscribers toward
// one publisher. Within one window per {kind, layer}: PLIs collapse to one,
// FIR counter increments are preserved but emitted at most once, SLI entries
// are unioned.
type Coalescer struct {
	mu     sync.Mutex
	states map[coalesceKey]*coalesceState
	out    chan Feedback
	closed bool
}

// NewCoalescer builds a coalescer; the publish session drains Out.
func NewCoalescer() *Coalescer {
	return &Coalescer{
		states: make(map[coalesceKey]*coalesceState),
		out:    make(chan Feedback, 64),
	}
}

// Out is the upstream-bound feedback channel.
func (c *Coalescer) Out() <-chan Feedback { return c.out }

// Push offers one subscriber feedback message. The first message of a
// window passes through immediately; the rest fold into a single flush at
// the window boundary.
func (c *Coalescer) Push(f Feedback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	key := coalesceKey{mediaKind: f.MediaKind, rid: f.Rid}
	st, ok := c.states[key]
	if !ok {
		st = &coalesceState{
			limiter: rate.NewLimiter(rate.Every(coalesceWindow), 1),
			sli:     make(map[rtcp.SLIEntry]struct{}),
		}
		c.states[key] = st
	}

	if st.limiter.Allow() {
		c.emit(f)
		return
	}

	switch f.Kind {
	case FeedbackPLI:
		st.pli = true
	case FeedbackFIR:
		st.fir = true
		if f.FIRSeq > st.firSeq {
			st.firSeq = f.FIRSeq
		}
	case FeedbackSLI:
		for _, e := range f.SLIEntries {
			st.sli[e] = struct{}{}
		}
	}
	if st.flushTimer == nil {
		st.flushTimer = time.AfterFunc(coalesceWindow, func() { c.flush(key) })
	}
}

func (c *Coalescer) flush(key coalesceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || c.closed {
		return
	}
	st.flushTimer = nil

	if st.pli {
		c.emit(Feedback{Kind: FeedbackPLI, MediaKind: key.mediaKind, Rid: key.rid})
		st.pli = false
	}
	if st.fir {
		c.emit(Feedback{Kind: FeedbackFIR, MediaKind: key.mediaKind, Rid: key.rid, FIRSeq: st.firSeq})
		st.fir = false
	}
	if len(st.sli) > 0 {
		entries := make([]rtcp.SLIEntry, 0, len(st.sli))
		for e := range st.sli {
			entries = append(entries, e)
		}
		c.emit(Feedback{Kind: FeedbackSLI, MediaKind: key.mediaKind, Rid: key.rid, SLIEntries: entries})
		st.sli = make(map[rtcp.SLIEntry]struct{})
	}
}

// emit requires c.mu held. Drops on a full channel rather than block a
// subscriber's RTCP loop.
func (c *Coalescer) emit(f Feedback) {
	select {
	case c.out <- f:
	default:
	}
}

// Close stops the coalescer and closes Out. Idempotent.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, st := range c.states {
		if st.flushTimer != nil {
			st.flushTimer.Stop()
		}
	}
	close(c.out)
}

// Drain consumes Out until closed or ctx is done, invoking fn per message.
func (c *Coalescer) Drain(ctx context.Context, fn func(Feedback)) {
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			fn(f)
		case <-ctx.Done():
			return
		}
	}
}
