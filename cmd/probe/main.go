// Command probe is a test client for the RTSP server: it describes a stream,
// plays it for a while and reports what arrived.
package main

import (
	"flag"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

func main() {
	os.Exit(run(os.Args[1:], log.New(os.Stderr, "", log.LstdFlags)))
}

// run plays the stream named by args and returns the exit code: 0 when
// packets arrived, 1 otherwise. The client is always closed before it returns.
func run(args []string, logger *log.Logger) int {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(logger.Writer())
	rawURL := fs.String("url", "rtsp://localhost:8555/test", "stream URL")
	duration := fs.Duration("duration", 5*time.Second, "how long to play")
	useTCP := fs.Bool("tcp", false, "request RTP interleaved over TCP")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	u, err := base.ParseURL(*rawURL)
	if err != nil {
		logger.Printf("Invalid URL %q: %v", *rawURL, err)
		return 1
	}

	c := gortsplib.Client{}
	if *useTCP {
		transport := gortsplib.TransportTCP
		c.Transport = &transport
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		logger.Printf("Connect failed: %v", err)
		return 1
	}
	defer c.Close()

	desc, _, err := c.Describe(u)
	if err != nil {
		logger.Printf("DESCRIBE failed: %v", err)
		return 1
	}

	logger.Printf("Session: %s", desc.Title)
	for i, medi := range desc.Medias {
		for _, forma := range medi.Formats {
			logger.Printf("  media %d: %s %s pt=%d clock=%d", i, medi.Type, forma.Codec(), forma.PayloadType(), forma.ClockRate())
		}
		if h264, ok := medi.Formats[0].(*format.H264); ok {
			sps, pps := h264.SafeParams()
			logger.Printf("  sps=%d bytes pps=%d bytes", len(sps), len(pps))
		}
	}

	if err := c.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		logger.Printf("SETUP failed: %v", err)
		return 1
	}

	var packets, bytes atomic.Uint64
	c.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		packets.Add(1)
		bytes.Add(uint64(len(pkt.Payload)))
	})

	if _, err := c.Play(nil); err != nil {
		logger.Printf("PLAY failed: %v", err)
		return 1
	}

	start := time.Now()
	select {
	case <-time.After(*duration):
	case err := <-waitErr(&c):
		logger.Printf("Connection ended: %v", err)
	}

	elapsed := time.Since(start)
	logger.Printf("Received %d packets, %d payload bytes in %v", packets.Load(), bytes.Load(), elapsed.Round(time.Millisecond))

	if packets.Load() == 0 {
		return 1
	}
	return 0
}

func waitErr(c *gortsplib.Client) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- c.Wait()
	}()
	return ch
}
