package stream

import (
	"context"

	"github.com/abc789456123/rtsp-cctv/internal/gst"
)

// GstLaunch runs pipelines through the GStreamer command-line launcher
func GstLaunch(l *gst.Launcher) LaunchFunc {
	return func(ctx context.Context, args []string) (Process, error) {
		p, err := l.Start(ctx, args)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
