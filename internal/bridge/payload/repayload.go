package payload

import (
	"fmt"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// OutboundMTU bounds re-emitted RTP packets, header included.
const OutboundMTU = 1200

// rtpHeaderSize is the fixed part of the RTP header; the payload budget is
// the MTU minus it.
const rtpHeaderSize = 12

// RePayloader reframes one SSRC's RTP across the MTU boundary: depacketize
// frames until marker, repacketize into chunks, re-emit in a fresh
// monotonic 16-bit sequence space with identical timestamps and marker
// semantics.
type RePayloader struct {
	mimeType     string
	depacketizer rtp.Depacketizer
	payloader    rtp.Payloader
	sequencer    rtp.Sequencer

	frame    []byte
	lastSeq  uint16
	started  bool
	dropping bool

	// h264 carries SPS/PPS across to downstreams that have not seen
	// parameter sets yet.
	h264           *H264Processor
	downstreamInit bool

	logger *zap.SugaredLogger
}

// NewRePayloader builds a repayloader for VP8, VP9 or H264.
func NewRePayloader(mimeType string, logger *zap.SugaredLogger) (*RePayloader, error) {
	return newRePayloader(mimeType, rtp.NewRandomSequencer(), logger)
}

// NewRePayloaderWithSequencer pins the output sequence space; used by
// callers that splice multiple inputs into one output stream.
func NewRePayloaderWithSequencer(mimeType string, sequencer rtp.Sequencer, logger *zap.SugaredLogger) (*RePayloader, error) {
	return newRePayloader(mimeType, sequencer, logger)
}

func newRePayloader(mimeType string, sequencer rtp.Sequencer, logger *zap.SugaredLogger) (*RePayloader, error) {
	r := &RePayloader{
		mimeType:  mimeType,
		sequencer: sequencer,
		logger:    logger,
	}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		r.depacketizer = &codecs.VP8Packet{}
		r.payloader = &codecs.VP8Payloader{}
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		r.depacketizer = &codecs.VP9Packet{}
		r.payloader = &codecs.VP9Payloader{}
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		r.depacketizer = &codecs.H264Packet{}
		r.payloader = &codecs.H264Payloader{}
		r.h264 = NewH264Processor()
	default:
		return nil, fmt.Errorf("unsupported codec %q", mimeType)
	}
	return r, nil
}

// Push feeds one input packet and returns the re-emitted packets, empty
// until a frame completes. Sequence gaps in the input are logged and
// admitted; the partial frame is dropped.
func (r *RePayloader) Push(pkt *rtp.Packet) []*rtp.Packet {
	if r.started && pkt.SequenceNumber != r.lastSeq+1 {
		r.logger.Debugw("sequence gap",
			"expected", r.lastSeq+1, "got", pkt.SequenceNumber, "codec", r.mimeType)
		// Drop the damaged frame; resume at the next frame boundary.
		r.frame = r.frame[:0]
		r.dropping = true
	}
	r.lastSeq = pkt.SequenceNumber
	r.started = true

	if r.dropping {
		if pkt.Marker {
			r.dropping = false
		}
		return nil
	}

	buf, err := r.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		r.logger.Debugw("depacketize failed", "codec", r.mimeType, "error", err)
		return nil
	}
	r.frame = append(r.frame, buf...)

	if !pkt.Marker {
		return nil
	}

	frame := r.frame
	r.frame = nil
	if r.h264 != nil {
		frame = r.finishH264Frame(frame)
	}
	return r.emit(frame, pkt)
}

// finishH264Frame caches parameter sets and prepends them on the first IDR
// toward an uninitialized downstream.
func (r *RePayloader) finishH264Frame(frame []byte) []byte {
	r.h264.ExtractParams(frame)
	if r.h264.hasParamsInData(frame) {
		r.downstreamInit = true
		return frame
	}
	if !r.downstreamInit && r.h264.IsIDRFrame(frame) && r.h264.HasParams() {
		r.downstreamInit = true
		return r.h264.InjectParams(frame)
	}
	return frame
}

// emit repacketizes a complete frame. The last chunk carries the input
// marker; every chunk keeps the input timestamp.
func (r *RePayloader) emit(frame []byte, last *rtp.Packet) []*rtp.Packet {
	payloads := r.payloader.Payload(OutboundMTU-rtpHeaderSize, frame)
	out := make([]*rtp.Packet, 0, len(payloads))
	for i, p := range payloads {
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    last.PayloadType,
				SequenceNumber: r.sequencer.NextSequenceNumber(),
				Timestamp:      last.Timestamp,
				SSRC:           last.SSRC,
				Marker:         i == len(payloads)-1 && last.Marker,
			},
			Payload: p,
		})
	}
	return out
}
