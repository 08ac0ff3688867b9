package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/abc789456123/rtsp-cctv/internal/metrics"
	"github.com/abc789456123/rtsp-cctv/internal/pipeline"
)

var (
	// ErrMediaStopped is returned when waiting on a media that has stopped
	ErrMediaStopped = errors.New("media stopped")
	// ErrPipelineExited is the stop reason when the pipeline process ends by itself
	ErrPipelineExited = errors.New("pipeline exited")
)

// maxDatagramSize bounds one RTP datagram read from a pipeline sink
const maxDatagramSize = 65535

// Process is a running pipeline instance
type Process interface {
	Wait() error
}

// LaunchFunc starts a pipeline with the given launcher arguments. The
// process must exit once ctx is cancelled.
type LaunchFunc func(ctx context.Context, args []string) (Process, error)

// Sink receives the RTP packets of a prepared media and fans them out to
// readers. *gortsplib.ServerStream satisfies it.
type Sink interface {
	WritePacketRTP(medi *description.Media, pkt *rtp.Packet) error
	Close()
}

// SinkFactory creates the sink for a completed stream description
type SinkFactory func(desc *description.Session) Sink

// MediaState is the lifecycle state of a media instance
type MediaState int

const (
	MediaPreparing MediaState = iota
	MediaPrepared
	MediaStopped
)

// String returns the state name
func (s MediaState) String() string {
	switch s {
	case MediaPreparing:
		return "preparing"
	case MediaPrepared:
		return "prepared"
	case MediaStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Media is one running instance of a mount's pipeline
type Media struct {
	ID        uint64
	Path      string
	Shared    bool
	StartTime time.Time

	desc    *pipeline.Description
	logger  *slog.Logger
	metrics *metrics.Metrics
	newSink SinkFactory

	session *description.Session
	medias  []*description.Media
	params  []*paramSets

	cancel   context.CancelFunc
	prepared chan struct{}
	done     chan struct{}

	mu          sync.RWMutex
	state       MediaState
	sink        Sink
	err         error
	packets     uint64
	bytes       uint64
	prepareTime time.Duration
}

// MediaInfo is a snapshot of a media instance
type MediaInfo struct {
	ID        uint64    `json:"id"`
	State     string    `json:"state"`
	StartTime time.Time `json:"start_time"`
	Readers   int       `json:"readers"`
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
}

func newMedia(id uint64, f *Factory, logger *slog.Logger, m *metrics.Metrics, newSink SinkFactory) *Media {
	session, medias := newDescription(f.Description)

	params := make([]*paramSets, len(f.Description.Payloads))
	for i, p := range f.Description.Payloads {
		params[i] = &paramSets{encoding: p.Encoding}
	}

	return &Media{
		ID:       id,
		Path:     f.Path,
		Shared:   f.Shared,
		desc:     f.Description,
		logger:   logger.With(slog.String("path", f.Path), slog.Uint64("media_id", id)),
		metrics:  m,
		newSink:  newSink,
		session:  session,
		medias:   medias,
		params:   params,
		prepared: make(chan struct{}),
		done:     make(chan struct{}),
		state:    MediaPreparing,
	}
}

// start opens one loopback socket per payload, launches the pipeline sending
// to them and begins forwarding packets. onStop runs once the media stopped.
func (m *Media) start(launch LaunchFunc, sinkHost string, onStop func(*Media)) error {
	conns := make([]*net.UDPConn, 0, len(m.desc.Payloads))
	ports := make([]int, 0, len(m.desc.Payloads))

	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	for range m.desc.Payloads {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(sinkHost), Port: 0})
		if err != nil {
			closeAll()
			return fmt.Errorf("failed to open pipeline sink socket: %w", err)
		}
		conns = append(conns, conn)
		ports = append(ports, conn.LocalAddr().(*net.UDPAddr).Port)
	}

	args, err := m.desc.LaunchArgs(sinkHost, ports)
	if err != nil {
		closeAll()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.StartTime = time.Now()

	proc, err := launch(ctx, args)
	if err != nil {
		cancel()
		closeAll()
		return fmt.Errorf("failed to launch pipeline: %w", err)
	}

	m.logger.Info("Media constructed",
		slog.Bool("shared", m.Shared),
		slog.Any("sink_ports", ports),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := proc.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPipelineExited, err)
		}
		return ErrPipelineExited
	})

	for i, conn := range conns {
		i, conn := i, conn
		g.Go(func() error {
			return m.readLoop(gctx, i, conn)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		closeAll()
		return nil
	})

	go func() {
		err := g.Wait()
		cancel()
		m.finish(err)
		onStop(m)
	}()

	return nil
}

// readLoop forwards datagrams of payload idx until the socket is closed
func (m *Media) readLoop(ctx context.Context, idx int, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sink socket for %s: %w", m.desc.Payloads[idx].Name, err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		var pkt rtp.Packet
		if err := pkt.Unmarshal(data); err != nil {
			m.metrics.RecordRTPPacketError()
			m.logger.Debug("Dropping invalid RTP datagram",
				slog.Int("size", n),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.handlePacket(idx, &pkt, n)
	}
}

func (m *Media) handlePacket(idx int, pkt *rtp.Packet, size int) {
	m.mu.Lock()

	ps := m.params[idx]
	if ps.observe(pkt.Payload) && m.state == MediaPrepared {
		applyParams(m.medias[idx].Formats[0], ps)
	}

	if m.state == MediaPreparing && m.allParamsComplete() {
		m.markPrepared()
	}

	sink := m.sink
	if sink != nil {
		m.packets++
		m.bytes += uint64(size)
	}
	m.mu.Unlock()

	if sink == nil {
		return
	}

	if err := sink.WritePacketRTP(m.medias[idx], pkt); err != nil {
		m.logger.Debug("Failed to write RTP packet", slog.String("error", err.Error()))
		return
	}
	m.metrics.RecordRTPPacket(size)
}

func (m *Media) allParamsComplete() bool {
	for _, ps := range m.params {
		if !ps.complete() {
			return false
		}
	}
	return true
}

// markPrepared completes the description and creates the sink; m.mu is held
func (m *Media) markPrepared() {
	for i, ps := range m.params {
		applyParams(m.medias[i].Formats[0], ps)
	}

	m.sink = m.newSink(m.session)
	m.state = MediaPrepared
	m.prepareTime = time.Since(m.StartTime)
	close(m.prepared)

	m.metrics.RecordMediaPrepared(m.prepareTime.Seconds())
	m.logger.Info("Media prepared", slog.Duration("prepare_time", m.prepareTime))
}

func (m *Media) finish(err error) {
	m.mu.Lock()
	m.state = MediaStopped
	m.err = err
	sink := m.sink
	m.sink = nil
	m.mu.Unlock()

	if sink != nil {
		sink.Close()
	}

	lifetime := time.Since(m.StartTime)
	m.metrics.RecordMediaStopped(lifetime.Seconds())

	if err != nil {
		m.metrics.RecordMediaFailure("pipeline_exited")
		m.logger.Warn("Media stopped with error",
			slog.Duration("lifetime", lifetime),
			slog.String("error", err.Error()),
		)
	} else {
		m.logger.Info("Media stopped", slog.Duration("lifetime", lifetime))
	}

	close(m.done)
}

// WaitPrepared blocks until the media can be described, stops, or ctx ends
func (m *Media) WaitPrepared(ctx context.Context) error {
	select {
	case <-m.prepared:
		return nil
	default:
	}

	select {
	case <-m.prepared:
		return nil
	case <-m.done:
		if err := m.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrMediaStopped, err)
		}
		return ErrMediaStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the pipeline and waits until forwarding has ended
func (m *Media) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// Done is closed once the media has stopped
func (m *Media) Done() <-chan struct{} {
	return m.done
}

// Err returns the reason the media stopped, nil for a requested stop
func (m *Media) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// State returns the current lifecycle state
func (m *Media) State() MediaState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Sink returns the packet sink, nil until the media is prepared
func (m *Media) Sink() Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

// Description returns the stream description advertised to clients
func (m *Media) Description() *description.Session {
	return m.session
}

func (m *Media) info(readers int) MediaInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MediaInfo{
		ID:        m.ID,
		State:     m.state.String(),
		StartTime: m.StartTime,
		Readers:   readers,
		Packets:   m.packets,
		Bytes:     m.bytes,
	}
}
