package stream

import (
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"

	"github.com/abc789456123/rtsp-cctv/internal/pipeline"
)

// newFormat maps a payloader to the RTP format advertised in the SDP
func newFormat(p pipeline.Payload) format.Format {
	switch p.Encoding {
	case pipeline.EncodingH264:
		return &format.H264{
			PayloadTyp:        p.PayloadType,
			PacketizationMode: 1,
		}
	case pipeline.EncodingH265:
		return &format.H265{
			PayloadTyp: p.PayloadType,
		}
	case pipeline.EncodingVP8:
		return &format.VP8{
			PayloadTyp: p.PayloadType,
		}
	default:
		return &format.MJPEG{}
	}
}

// applyParams copies captured parameter sets into the format
func applyParams(f format.Format, ps *paramSets) {
	switch f := f.(type) {
	case *format.H264:
		f.SafeSetParams(ps.sps, ps.pps)
	case *format.H265:
		f.SafeSetParams(ps.vps, ps.sps, ps.pps)
	}
}

// newDescription builds one video media per payload, in payload order
func newDescription(desc *pipeline.Description) (*description.Session, []*description.Media) {
	medias := make([]*description.Media, len(desc.Payloads))
	for i, p := range desc.Payloads {
		medias[i] = &description.Media{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{newFormat(p)},
		}
	}

	return &description.Session{
		Title:  "Session streamed with GStreamer",
		Medias: medias,
	}, medias
}
