package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1F}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00}
	testP   = []byte{0x41, 0x9A, 0x00}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}

func TestExtractParams(t *testing.T) {
	p := NewH264Processor()
	assert.False(t, p.HasParams())

	p.ExtractParams(annexB(testSPS, testPPS, testIDR))
	require.True(t, p.HasParams())
	assert.Equal(t, testSPS, p.sps)
	assert.Equal(t, testPPS, p.pps)
}

func TestIsIDRFrame(t *testing.T) {
	p := NewH264Processor()
	assert.True(t, p.IsIDRFrame(annexB(testIDR)))
	assert.True(t, p.IsIDRFrame(annexB(testSPS, testPPS, testIDR)))
	assert.False(t, p.IsIDRFrame(annexB(testP)))
	assert.False(t, p.IsIDRFrame(nil))
}

func TestInjectParams(t *testing.T) {
	p := NewH264Processor()
	p.SetParams(testSPS, testPPS)

	// IDR without in-band params gets them prepended.
	idr := annexB(testIDR)
	injected := p.InjectParams(idr)
	assert.Equal(t, annexB(testSPS, testPPS, testIDR), injected)

	// Non-IDR passes through untouched.
	inter := annexB(testP)
	assert.Equal(t, inter, p.InjectParams(inter))

	// IDR already carrying params is left alone.
	full := annexB(testSPS, testPPS, testIDR)
	assert.Equal(t, full, p.InjectParams(full))
}

func TestInjectParamsWithoutCache(t *testing.T) {
	p := NewH264Processor()
	idr := annexB(testIDR)
	assert.Equal(t, idr, p.InjectParams(idr))
}

func TestWalkNALUsThreeByteStartCode(t *testing.T) {
	data := []byte{0, 0, 1}
	data = append(data, testSPS...)
	data = append(data, 0, 0, 1)
	data = append(data, testPPS...)

	p := NewH264Processor()
	p.ExtractParams(data)
	assert.True(t, p.HasParams())
}
