package payload

const (
	nalSliceIDR = 5
	nalSPS      = 7
	nalPPS      = 8
)

var annexBStartCode = []byte{0, 0, 0, 1}

// H264Processor caches SPS/PPS seen in an Annex-B stream and prepends them
// to IDR access units that do not carry parameter sets in-band. It keeps no
// per-downstream state; RePayloader tracks whether its downstream has them.
type H264Processor struct {
	sps []byte
	pps []byte
}

// NewH264Processor returns an empty processor.
func NewH264Processor() *H264Processor {
	return &H264Processor{}
}

// HasParams reports whether both SPS and PPS are cached.
func (p *H264Processor) HasParams() bool {
	return p.sps != nil && p.pps != nil
}

// SetParams installs out-of-band parameter sets, e.g. from SDP fmtp.
func (p *H264Processor) SetParams(sps, pps []byte) {
	p.sps = append([]byte(nil), sps...)
	p.pps = append([]byte(nil), pps...)
}

// ExtractParams scans an Annex-B access unit and caches the first SPS and
// PPS it finds.
func (p *H264Processor) ExtractParams(data []byte) {
	walkNALUs(data, func(nalu []byte) bool {
		switch nalu[0] & 0x1F {
		case nalSPS:
			if p.sps == nil {
				p.sps = append([]byte(nil), nalu...)
			}
		case nalPPS:
			if p.pps == nil {
				p.pps = append([]byte(nil), nalu...)
			}
		}
		return p.sps == nil || p.pps == nil
	})
}

// IsIDRFrame reports whether the Annex-B access unit contains an IDR slice.
func (p *H264Processor) IsIDRFrame(data []byte) bool {
	idr := false
	walkNALUs(data, func(nalu []byte) bool {
		if nalu[0]&0x1F == nalSliceIDR {
			idr = true
			return false
		}
		return true
	})
	return idr
}

// hasParamsInData reports whether the access unit already carries SPS+PPS.
func (p *H264Processor) hasParamsInData(data []byte) bool {
	var sps, pps bool
	walkNALUs(data, func(nalu []byte) bool {
		switch nalu[0] & 0x1F {
		case nalSPS:
			sps = true
		case nalPPS:
			pps = true
		}
		return !(sps && pps)
	})
	return sps && pps
}

// InjectParams prepends cached SPS/PPS to an IDR access unit that does not
// already carry them. Non-IDR data passes through untouched.
func (p *H264Processor) InjectParams(data []byte) []byte {
	if !p.IsIDRFrame(data) || p.hasParamsInData(data) || !p.HasParams() {
		return data
	}
	out := make([]byte, 0, len(p.sps)+len(p.pps)+len(data)+8)
	out = append(out, annexBStartCode...)
	out = append(out, p.sps...)
	out = append(out, annexBStartCode...)
	out = append(out, p.pps...)
	out = append(out, data...)
	return out
}

// walkNALUs calls fn for each NAL unit of an Annex-B buffer; fn returning
// false stops the walk. NAL units are passed without start codes.
func walkNALUs(data []byte, fn func(nalu []byte) bool) {
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 {
			codeLen := 0
			if data[i+2] == 1 {
				codeLen = 3
			} else if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
				codeLen = 4
			}
			if codeLen > 0 {
				if start >= 0 && i > start {
					if !fn(data[start:i]) {
						return
					}
				}
				i += codeLen
				start = i
				continue
			}
		}
		i++
	}
	if start >= 0 && start < len(data) {
		fn(data[start:])
	}
}
