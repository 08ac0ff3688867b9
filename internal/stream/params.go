package stream

import (
	"bytes"
	"encoding/binary"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"

	"github.com/abc789456123/rtsp-cctv/internal/pipeline"
)

// paramSets collects the codec parameter sets a payloader emits in-band so
// they can be advertised in the stream description.
type paramSets struct {
	encoding pipeline.Encoding
	vps      []byte
	sps      []byte
	pps      []byte
	seen     bool
}

// complete reports whether enough has been observed to describe the stream
func (p *paramSets) complete() bool {
	switch p.encoding {
	case pipeline.EncodingH264:
		return p.sps != nil && p.pps != nil
	case pipeline.EncodingH265:
		return p.vps != nil && p.sps != nil && p.pps != nil
	default:
		return p.seen
	}
}

// observe inspects one RTP payload and reports whether a parameter set changed
func (p *paramSets) observe(payload []byte) bool {
	p.seen = true
	if len(payload) == 0 {
		return false
	}

	switch p.encoding {
	case pipeline.EncodingH264:
		return p.observeH264(payload)
	case pipeline.EncodingH265:
		return p.observeH265(payload)
	default:
		return false
	}
}

func (p *paramSets) observeH264(payload []byte) bool {
	typ := h264.NALUType(payload[0] & 0x1F)

	if typ == h264.NALUTypeSTAPA {
		changed := false
		for _, nalu := range splitAggregate(payload[1:]) {
			if p.storeH264(nalu) {
				changed = true
			}
		}
		return changed
	}

	return p.storeH264(payload)
}

func (p *paramSets) storeH264(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}

	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeSPS:
		return store(&p.sps, nalu)
	case h264.NALUTypePPS:
		return store(&p.pps, nalu)
	}
	return false
}

func (p *paramSets) observeH265(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}

	typ := h265.NALUType((payload[0] >> 1) & 0b111111)

	if typ == h265.NALUType_AggregationUnit {
		changed := false
		for _, nalu := range splitAggregate(payload[2:]) {
			if p.storeH265(nalu) {
				changed = true
			}
		}
		return changed
	}

	return p.storeH265(payload)
}

func (p *paramSets) storeH265(nalu []byte) bool {
	if len(nalu) < 2 {
		return false
	}

	switch h265.NALUType((nalu[0] >> 1) & 0b111111) {
	case h265.NALUType_VPS_NUT:
		return store(&p.vps, nalu)
	case h265.NALUType_SPS_NUT:
		return store(&p.sps, nalu)
	case h265.NALUType_PPS_NUT:
		return store(&p.pps, nalu)
	}
	return false
}

// splitAggregate splits the body of an aggregation packet into its
// 16-bit length prefixed NAL units. A truncated tail is ignored.
func splitAggregate(buf []byte) [][]byte {
	var nalus [][]byte
	for len(buf) >= 2 {
		size := int(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
		if size == 0 || size > len(buf) {
			break
		}
		nalus = append(nalus, buf[:size])
		buf = buf[size:]
	}
	return nalus
}

func store(dst *[]byte, nalu []byte) bool {
	if bytes.Equal(*dst, nalu) {
		return false
	}
	*dst = append([]byte(nil), nalu...)
	return true
}
