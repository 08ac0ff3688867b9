package gst

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrLauncherNotFound is returned when the launcher binary is not on PATH
var ErrLauncherNotFound = errors.New("gstreamer launcher not found")

// DefaultStopGrace is how long a stopping pipeline may take to exit after
// the interrupt before it is killed
const DefaultStopGrace = 2 * time.Second

// Launcher starts pipeline processes through gst-launch-1.0
type Launcher struct {
	Binary    string
	Args      []string // placed before the pipeline arguments
	StopGrace time.Duration
	Logger    *slog.Logger

	mu   sync.Mutex
	path string
}

// NewLauncher creates a launcher for the given binary name or path
func NewLauncher(binary string, logger *slog.Logger) *Launcher {
	return &Launcher{
		Binary:    binary,
		Args:      []string{"-q"},
		StopGrace: DefaultStopGrace,
		Logger:    logger,
	}
}

// Init resolves the launcher binary. It is the one-time framework
// initialization and may be retried; Start calls it when needed.
func (l *Launcher) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path != "" {
		return nil
	}

	path, err := exec.LookPath(l.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLauncherNotFound, l.Binary, err)
	}
	l.path = path

	return nil
}

// Path returns the resolved binary path, empty before a successful Init
func (l *Launcher) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Start launches a pipeline. Cancelling ctx interrupts the process and
// kills it if it has not exited within StopGrace.
func (l *Launcher) Start(ctx context.Context, args []string) (*Process, error) {
	if err := l.Init(); err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(l.Args)+len(args))
	argv = append(argv, l.Args...)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, l.Path(), argv...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.StopGrace

	stderr, stderrWriter := io.Pipe()
	cmd.Stderr = stderrWriter

	if err := cmd.Start(); err != nil {
		stderrWriter.Close()
		return nil, fmt.Errorf("failed to start %s: %w", l.Binary, err)
	}

	p := &Process{
		cmd:    cmd,
		stderr: stderrWriter,
		logger: l.Logger.With(slog.Int("pid", cmd.Process.Pid)),
		done:   make(chan struct{}),
	}

	p.logger.Debug("Pipeline process started",
		slog.String("binary", l.Path()),
		slog.String("args", strings.Join(args, " ")),
	)

	go p.forwardStderr(stderr)
	go p.wait()

	return p, nil
}

// Process is one running pipeline
type Process struct {
	cmd    *exec.Cmd
	stderr *io.PipeWriter
	logger *slog.Logger

	done chan struct{}
	err  error
}

// Pid returns the operating system process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) wait() {
	p.err = p.cmd.Wait()
	p.stderr.Close()
	if p.err != nil {
		p.logger.Debug("Pipeline process exited", slog.String("error", p.err.Error()))
	} else {
		p.logger.Debug("Pipeline process exited")
	}
	close(p.done)
}

// forwardStderr relays framework diagnostics into the structured log
func (p *Process) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "ERROR") || strings.HasPrefix(line, "WARNING") {
			p.logger.Warn("Pipeline output", slog.String("line", line))
		} else {
			p.logger.Debug("Pipeline output", slog.String("line", line))
		}
	}
	// keep the writer unblocked if a line overflowed the scanner
	io.Copy(io.Discard, r)
}
