package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abc789456123/rtsp-cctv/internal/pipeline"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02, 0x27, 0xe5, 0x84, 0x00,
		0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
)

func stapA(nalus ...[]byte) []byte {
	buf := []byte{24}
	for _, n := range nalus {
		buf = append(buf, byte(len(n)>>8), byte(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

func TestParamSetsH264SingleNALUs(t *testing.T) {
	ps := &paramSets{encoding: pipeline.EncodingH264}

	assert.False(t, ps.observe(testIDR))
	assert.False(t, ps.complete())

	assert.True(t, ps.observe(testSPS))
	assert.False(t, ps.complete())

	assert.True(t, ps.observe(testPPS))
	assert.True(t, ps.complete())
	assert.Equal(t, testSPS, ps.sps)
	assert.Equal(t, testPPS, ps.pps)

	// repeated identical parameter sets are not a change
	assert.False(t, ps.observe(testSPS))
}

func TestParamSetsH264Aggregate(t *testing.T) {
	ps := &paramSets{encoding: pipeline.EncodingH264}

	assert.True(t, ps.observe(stapA(testSPS, testPPS)))
	assert.True(t, ps.complete())
	assert.Equal(t, testSPS, ps.sps)
	assert.Equal(t, testPPS, ps.pps)
}

func TestParamSetsH264TruncatedAggregate(t *testing.T) {
	ps := &paramSets{encoding: pipeline.EncodingH264}

	buf := stapA(testSPS, testPPS)
	assert.True(t, ps.observe(buf[:len(buf)-2]))
	assert.NotNil(t, ps.sps)
	assert.Nil(t, ps.pps)
	assert.False(t, ps.complete())
}

func TestParamSetsH265(t *testing.T) {
	ps := &paramSets{encoding: pipeline.EncodingH265}

	vps := []byte{32 << 1, 0x01, 0x0c}
	sps := []byte{33 << 1, 0x01, 0x01}
	pps := []byte{34 << 1, 0x01, 0xc1}

	ap := []byte{48 << 1, 0x01}
	for _, n := range [][]byte{vps, sps} {
		ap = append(ap, byte(len(n)>>8), byte(len(n)))
		ap = append(ap, n...)
	}

	assert.True(t, ps.observe(ap))
	assert.False(t, ps.complete())
	assert.True(t, ps.observe(pps))
	assert.True(t, ps.complete())
	assert.Equal(t, vps, ps.vps)
}

func TestParamSetsOtherEncodings(t *testing.T) {
	ps := &paramSets{encoding: pipeline.EncodingVP8}

	assert.False(t, ps.complete())
	assert.False(t, ps.observe([]byte{0x10, 0x00}))
	assert.True(t, ps.complete())
}

func TestParamSetsEmptyPayload(t *testing.T) {
	ps := &paramSets{encoding: pipeline.EncodingH264}
	assert.False(t, ps.observe(nil))
	assert.False(t, ps.complete())
}
