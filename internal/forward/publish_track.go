package forward

import (
	"sync"
	"time"

	"livefabric/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// noReceiversGrace is how long the reader keeps publishing into an empty
// ring before it gives up.
const noReceiversGrace = 30 * time.Second

// RemoteTrack is the slice of *webrtc.TrackRemote the reader loop needs.
// Narrow on purpose so tests can feed packets directly.
type RemoteTrack interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	RID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
}

// PublishTrack is one remote track of a publish session. A dedicated reader
// task pulls RTP from the ingress and fans it out over a bounded broadcast
// ring; backpressure never reaches the network socket.
type PublishTrack struct {
	streamID  domain.StreamID
	sessionID domain.SessionID
	rid       string
	kind      webrtc.RTPCodecType
	ssrc      uint32
	codec     webrtc.RTPCodecParameters

	ring      *Ring
	logger    *zap.SugaredLogger
	closeOnce sync.Once
	done      chan struct{}
}

// NewPublishTrack wraps a remote track and starts its reader task.
func NewPublishTrack(streamID domain.StreamID, sessionID domain.SessionID, track RemoteTrack, logger *zap.SugaredLogger) *PublishTrack {
	t := &PublishTrack{
		streamID:  streamID,
		sessionID: sessionID,
		rid:       track.RID(),
		kind:      track.Kind(),
		ssrc:      uint32(track.SSRC()),
		codec:     track.Codec(),
		ring:      NewRing(RingCapacity),
		logger:    logger,
		done:      make(chan struct{}),
	}
	go t.readLoop(track)
	return t
}

func (t *PublishTrack) readLoop(track RemoteTrack) {
	defer t.Close()

	t.logger.Infow("track forward start",
		"stream", t.streamID, "session", t.sessionID,
		"kind", t.kind.String(), "rid", t.rid, "ssrc", t.ssrc,
	)

	var idleSince time.Time
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			t.logger.Debugw("track read ended",
				"stream", t.streamID, "kind", t.kind.String(), "rid", t.rid, "error", err)
			return
		}
		n, err := t.ring.Send(pkt)
		if err != nil {
			return
		}
		if n > 0 {
			idleSince = time.Time{}
			continue
		}
		if idleSince.IsZero() {
			idleSince = time.Now()
		} else if time.Since(idleSince) > noReceiversGrace {
			t.logger.Debugw("track has had no receivers, stopping",
				"stream", t.streamID, "kind", t.kind.String(), "rid", t.rid)
			return
		}
	}
}

// Subscribe returns an independent receiver over the broadcast ring.
func (t *PublishTrack) Subscribe() *RingReceiver {
	return t.ring.Subscribe()
}

// Rid is the simulcast layer id, empty for non-simulcast tracks.
func (t *PublishTrack) Rid() string { return t.rid }

// Kind reports audio or video.
func (t *PublishTrack) Kind() webrtc.RTPCodecType { return t.kind }

// SSRC is the originally published synchronization source.
func (t *PublishTrack) SSRC() uint32 { return t.ssrc }

// Codec describes the negotiated codec of the track.
func (t *PublishTrack) Codec() webrtc.RTPCodecParameters { return t.codec }

// CodecInfo is the snapshot form of Codec.
func (t *PublishTrack) CodecInfo() domain.CodecInfo {
	return domain.CodecInfo{
		MimeType:  t.codec.MimeType,
		ClockRate: t.codec.ClockRate,
		Channels:  t.codec.Channels,
		Fmtp:      t.codec.SDPFmtpLine,
	}
}

// Close terminates the fan-out. Idempotent; safe from any goroutine.
func (t *PublishTrack) Close() {
	t.closeOnce.Do(func() {
		t.ring.Close()
		close(t.done)
		t.logger.Infow("track forward stop",
			"stream", t.streamID, "kind", t.kind.String(), "rid", t.rid, "ssrc", t.ssrc)
	})
}

// Done is closed when the reader task has terminated.
func (t *PublishTrack) Done() <-chan struct{} { return t.done }
