package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abc789456123/rtsp-cctv/internal/metrics"
	"github.com/abc789456123/rtsp-cctv/internal/pipeline"
)

var (
	// ErrMountNotFound is returned for paths with no registered factory
	ErrMountNotFound = errors.New("mount not found")
	// ErrMountExists is returned when a path is registered twice
	ErrMountExists = errors.New("mount already registered")
	// ErrPrepareTimeout is returned when a pipeline does not produce a
	// describable stream in time
	ErrPrepareTimeout = errors.New("media prepare timed out")
	// ErrManagerStopped is returned after Stop
	ErrManagerStopped = errors.New("stream manager stopped")
)

// Factory binds a mount path to a pipeline description
type Factory struct {
	Path        string
	Description *pipeline.Description
	Shared      bool
}

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	SinkHost       string
	PrepareTimeout time.Duration
	IdleTimeout    time.Duration
	CheckInterval  time.Duration
}

// Manager owns the mount points and every running media instance. Shared
// mounts have at most one instance, reused by all readers; other mounts get
// one instance per owner (a connection or a session).
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	launch  LaunchFunc
	newSink SinkFactory
	config  ManagerConfig

	mu        sync.Mutex
	mounts    map[string]*Factory
	shared    map[string]*Media
	owned     map[any]*Media
	refs      map[*Media]map[any]struct{}
	idleSince map[*Media]time.Time
	nextID    uint64
	stopped   bool

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// MountInfo is a snapshot of one mount point
type MountInfo struct {
	Path   string      `json:"path"`
	Launch string      `json:"launch"`
	Shared bool        `json:"shared"`
	Media  []MediaInfo `json:"media"`
}

// NewManager creates a stream manager and starts its idle cleanup routine
func NewManager(logger *slog.Logger, m *metrics.Metrics, launch LaunchFunc, newSink SinkFactory, config ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}

	mgr := &Manager{
		logger:    logger,
		metrics:   m,
		launch:    launch,
		newSink:   newSink,
		config:    config,
		mounts:    make(map[string]*Factory),
		shared:    make(map[string]*Media),
		owned:     make(map[any]*Media),
		refs:      make(map[*Media]map[any]struct{}),
		idleSince: make(map[*Media]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Mount registers a pipeline description under path
func (m *Manager) Mount(path, launch string, shared bool) error {
	desc, err := pipeline.Parse(launch)
	if err != nil {
		return fmt.Errorf("mount %s: %w", path, err)
	}

	key := normalizePath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mounts[key]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, path)
	}

	m.mounts[key] = &Factory{
		Path:        "/" + key,
		Description: desc,
		Shared:      shared,
	}

	m.logger.Info("Mount registered",
		slog.String("path", "/"+key),
		slog.Bool("shared", shared),
		slog.Int("payloads", len(desc.Payloads)),
	)

	return nil
}

// Lookup returns the factory mounted at path
func (m *Manager) Lookup(path string) (*Factory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.mounts[normalizePath(path)]
	return f, ok
}

// Acquire returns a prepared media for path held on behalf of owner.
// Repeated calls with the same owner do not add references.
func (m *Manager) Acquire(ctx context.Context, path string, owner any) (*Media, error) {
	media, err := m.acquire(path, owner)
	if err != nil {
		return nil, err
	}

	prepareCtx, cancel := context.WithTimeout(ctx, m.config.PrepareTimeout)
	defer cancel()

	err = media.WaitPrepared(prepareCtx)
	if err == nil {
		return media, nil
	}

	m.Release(media, owner)

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		m.metrics.RecordMediaFailure("prepare_timeout")
		m.logger.Warn("Media prepare timed out, stopping pipeline",
			slog.String("path", media.Path),
			slog.Uint64("media_id", media.ID),
			slog.Duration("timeout", m.config.PrepareTimeout),
		)
		m.discard(media)
		return nil, fmt.Errorf("%w after %v", ErrPrepareTimeout, m.config.PrepareTimeout)
	}

	return nil, err
}

func (m *Manager) acquire(path string, owner any) (*Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}

	f, ok := m.mounts[normalizePath(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMountNotFound, path)
	}

	var media *Media
	if f.Shared {
		media = m.shared[f.Path]
	} else {
		media = m.owned[owner]
		if media != nil && media.Path != f.Path {
			media = nil
		}
	}

	if media == nil || media.State() == MediaStopped {
		var err error
		media, err = m.construct(f)
		if err != nil {
			return nil, err
		}
		if f.Shared {
			m.shared[f.Path] = media
		}
	}

	if !f.Shared {
		m.owned[owner] = media
	}

	owners := m.refs[media]
	if owners == nil {
		owners = make(map[any]struct{})
		m.refs[media] = owners
	}
	owners[owner] = struct{}{}
	delete(m.idleSince, media)

	return media, nil
}

// construct starts a new media instance for f; m.mu is held
func (m *Manager) construct(f *Factory) (*Media, error) {
	m.nextID++
	media := newMedia(m.nextID, f, m.logger, m.metrics, m.newSink)

	m.logger.Info("Client connected, constructing media pipeline",
		slog.String("path", f.Path),
		slog.Uint64("media_id", media.ID),
	)

	if err := media.start(m.launch, m.config.SinkHost, m.onMediaStopped); err != nil {
		m.metrics.RecordMediaFailure("launch")
		return nil, fmt.Errorf("failed to construct media for %s: %w", f.Path, err)
	}

	m.metrics.RecordMediaConstructed()
	return media, nil
}

// Transfer hands the non-shared media held by from over to to. It returns
// false when from holds nothing.
func (m *Manager) Transfer(from, to any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	media, ok := m.owned[from]
	if !ok {
		return false
	}

	delete(m.owned, from)
	m.owned[to] = media

	if owners := m.refs[media]; owners != nil {
		delete(owners, from)
		owners[to] = struct{}{}
	}

	return true
}

// Release drops owner's reference to media
func (m *Manager) Release(media *Media, owner any) {
	m.mu.Lock()
	stop := m.release(media, owner)
	m.mu.Unlock()

	if stop {
		media.Stop()
	}
}

// ReleaseOwner drops every reference held by owner
func (m *Manager) ReleaseOwner(owner any) {
	var toStop []*Media

	m.mu.Lock()
	for media, owners := range m.refs {
		if _, ok := owners[owner]; ok {
			if m.release(media, owner) {
				toStop = append(toStop, media)
			}
		}
	}
	m.mu.Unlock()

	for _, media := range toStop {
		media.Stop()
	}
}

// release removes a reference and reports whether media must stop now; m.mu is held
func (m *Manager) release(media *Media, owner any) bool {
	if m.owned[owner] == media {
		delete(m.owned, owner)
	}

	owners := m.refs[media]
	delete(owners, owner)
	if len(owners) > 0 {
		return false
	}
	delete(m.refs, media)

	if media.State() == MediaStopped {
		m.forget(media)
		return false
	}

	if !media.Shared || m.config.IdleTimeout == 0 {
		m.forget(media)
		return true
	}

	m.idleSince[media] = time.Now()
	return false
}

// discard stops media regardless of remaining references
func (m *Manager) discard(media *Media) {
	m.mu.Lock()
	m.forget(media)
	for owner, held := range m.owned {
		if held == media {
			delete(m.owned, owner)
		}
	}
	delete(m.refs, media)
	m.mu.Unlock()

	media.Stop()
}

// forget removes media from the caches; m.mu is held
func (m *Manager) forget(media *Media) {
	if m.shared[media.Path] == media {
		delete(m.shared, media.Path)
	}
	delete(m.idleSince, media)
}

// onMediaStopped drops bookkeeping for a media that ended on its own
func (m *Manager) onMediaStopped(media *Media) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forget(media)
	for owner, held := range m.owned {
		if held == media {
			delete(m.owned, owner)
		}
	}
	delete(m.refs, media)
}

// Readers returns the number of owners holding media
func (m *Manager) Readers(media *Media) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs[media])
}

// GetActiveMediaCount returns the number of running media instances
func (m *Manager) GetActiveMediaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeMedia())
}

// activeMedia lists every known instance; m.mu is held
func (m *Manager) activeMedia() []*Media {
	seen := make(map[*Media]struct{})
	var list []*Media

	add := func(media *Media) {
		if _, ok := seen[media]; ok || media.State() == MediaStopped {
			return
		}
		seen[media] = struct{}{}
		list = append(list, media)
	}

	for _, media := range m.shared {
		add(media)
	}
	for _, media := range m.owned {
		add(media)
	}
	for media := range m.refs {
		add(media)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Mounts returns a snapshot of all mount points and their instances
func (m *Manager) Mounts() []MountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPath := make(map[string][]MediaInfo)
	for _, media := range m.activeMedia() {
		byPath[media.Path] = append(byPath[media.Path], media.info(len(m.refs[media])))
	}

	infos := make([]MountInfo, 0, len(m.mounts))
	for _, f := range m.mounts {
		infos = append(infos, MountInfo{
			Path:   f.Path,
			Launch: f.Description.String(),
			Shared: f.Shared,
			Media:  byPath[f.Path],
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Stop stops the cleanup routine and every media instance
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.mu.Lock()
	m.stopped = true
	all := m.activeMedia()
	m.shared = make(map[string]*Media)
	m.owned = make(map[any]*Media)
	m.refs = make(map[*Media]map[any]struct{})
	m.idleSince = make(map[*Media]time.Time)
	m.mu.Unlock()

	for _, media := range all {
		media.Stop()
	}

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	m.logger.Info("Stream manager stopped", slog.Int("stopped_media", len(all)))
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Debug("Media cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CheckInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Media cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleMedia()
		}
	}
}

// cleanupIdleMedia stops shared instances that had no readers for IdleTimeout
func (m *Manager) cleanupIdleMedia() {
	now := time.Now()
	var expired []*Media

	m.mu.Lock()
	for media, since := range m.idleSince {
		if now.Sub(since) >= m.config.IdleTimeout {
			expired = append(expired, media)
			m.forget(media)
		}
	}
	m.mu.Unlock()

	for _, media := range expired {
		m.logger.Info("Stopping idle shared media",
			slog.String("path", media.Path),
			slog.Uint64("media_id", media.ID),
		)
		media.Stop()
	}
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}
