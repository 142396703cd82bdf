// Package lifecycle keeps a skills registry in sync with a directory of
// skill folders: bulk loading at startup, then hot reload driven by
// filesystem events.
package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/loader"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
)

// Manager owns the skills directory. Directory events are handled by a
// single consumer goroutine; loads run on a bounded worker pool.
type Manager struct {
	root     string
	loader   *loader.Loader
	registry *skills.Registry

	hotReload       bool
	autoLoad        bool
	watchInterval   time.Duration
	eventBuffer     int
	maxConcurrent   int
	shutdownTimeout time.Duration
	ignore          []string

	watcher  *Watcher
	workers  *semaphore.Weighted
	inflight sync.WaitGroup
	pending  atomic.Int64

	mu   sync.Mutex
	dirs map[string]*dirState

	ctx      context.Context
	cancel   context.CancelFunc
	consumed chan struct{}
	started  bool
	stopped  bool
}

// dirState tracks a skill folder. gen is bumped on every unload so that a
// load started before the unload cannot register its stale result.
type dirState struct {
	name string
	gen  uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithHotReload enables or disables the directory watcher.
func WithHotReload(enabled bool) Option {
	return func(m *Manager) { m.hotReload = enabled }
}

// WithAutoLoad enables or disables the bulk load in Initialize.
func WithAutoLoad(enabled bool) Option {
	return func(m *Manager) { m.autoLoad = enabled }
}

// WithWatchInterval sets the debounce window for modifications and
// deletions. Creations settle in half the window.
func WithWatchInterval(d time.Duration) Option {
	return func(m *Manager) { m.watchInterval = d }
}

// WithEventBuffer bounds the queue of debounced watch events.
func WithEventBuffer(n int) Option {
	return func(m *Manager) { m.eventBuffer = n }
}

// WithMaxConcurrent bounds concurrent skill loads.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) { m.maxConcurrent = n }
}

// WithShutdownTimeout bounds how long Shutdown waits for in-flight loads.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) { m.shutdownTimeout = d }
}

// WithWatchIgnore replaces the file patterns the watcher ignores.
// OptionsFromConfig extends DefaultIgnorePatterns with the configured ones.
func WithWatchIgnore(patterns ...string) Option {
	return func(m *Manager) { m.ignore = patterns }
}

// OptionsFromConfig maps the lifecycle keys of cfg to options.
func OptionsFromConfig(cfg config.Config) []Option {
	return []Option{
		WithHotReload(cfg.HotReload),
		WithAutoLoad(cfg.AutoLoad),
		WithWatchInterval(cfg.WatchInterval),
		WithEventBuffer(cfg.EventBuffer),
		WithMaxConcurrent(cfg.MaxConcurrent),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithWatchIgnore(append(slices.Clone(DefaultIgnorePatterns), cfg.WatchIgnore...)...),
	}
}

// NewManager creates a manager for the skills directory root.
func NewManager(root string, l *loader.Loader, r *skills.Registry, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve skills directory %s", root)
	}

	m := &Manager{
		root:            abs,
		loader:          l,
		registry:        r,
		hotReload:       true,
		autoLoad:        true,
		watchInterval:   time.Second,
		eventBuffer:     256,
		maxConcurrent:   4,
		shutdownTimeout: 5 * time.Second,
		ignore:          DefaultIgnorePatterns,
		dirs:            make(map[string]*dirState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxConcurrent < 1 {
		m.maxConcurrent = 1
	}
	m.workers = semaphore.NewWeighted(int64(m.maxConcurrent))
	return m, nil
}

// Root returns the absolute skills directory.
func (m *Manager) Root() string {
	return m.root
}

// Registry returns the registry the manager populates.
func (m *Manager) Registry() *skills.Registry {
	return m.registry
}

// Initialize creates the skills directory if needed, loads every skill
// folder when auto-load is on and starts the watcher when hot reload is on.
// Individual load failures are logged and never fail initialization.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("skill manager already initialized")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	log := logger.G(ctx).WithField("skills_dir", m.root)

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create skills directory %s", m.root)
	}

	if m.autoLoad {
		if err := m.LoadAll(ctx); err != nil {
			log.WithError(err).Warn("some skills failed to load")
		}
	}

	if m.hotReload {
		if err := m.startWatching(ctx); err != nil {
			return err
		}
	}

	log.WithField("skills", m.registry.Len()).Info("skill manager initialized")
	return nil
}

// LoadAll loads every immediate subdirectory of the skills directory in
// parallel. Skipped folders are logged only; genuine load failures are
// returned together.
func (m *Manager) LoadAll(ctx context.Context) error {
	dirs, err := m.skillDirs()
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrent)
	for _, dir := range dirs {
		g.Go(func() error {
			if _, err := m.loadDir(gctx, dir, m.generation(dir)); err != nil && !skills.IsSkip(err) {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// ReloadAll unloads every managed skill and loads the directory again.
func (m *Manager) ReloadAll(ctx context.Context) error {
	for _, dir := range m.Directories() {
		m.unloadDir(ctx, dir)
	}
	return m.LoadAll(ctx)
}

// Reload unloads and synchronously reloads the skill folder dir.
func (m *Manager) Reload(ctx context.Context, dir string) (*skills.LoadedSkill, error) {
	dir = m.abs(dir)
	gen := m.unloadDir(ctx, dir)
	return m.loadDir(ctx, dir, gen)
}

// Directories returns the skill folders that currently have a registered
// skill, sorted.
func (m *Manager) Directories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirs := make([]string, 0, len(m.dirs))
	for dir, st := range m.dirs {
		if st.name != "" {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// Watched returns the directories under watch. It is empty when hot reload
// is disabled.
func (m *Manager) Watched() []string {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Watched()
}

// DroppedEvents reports how many watch events were discarded because the
// event queue was full.
func (m *Manager) DroppedEvents() uint64 {
	if m.watcher == nil {
		return 0
	}
	return m.watcher.Dropped()
}

// Shutdown stops the watcher, waits up to the shutdown timeout for
// in-flight loads, unregisters every managed skill and releases all
// outstanding loading contexts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	log := logger.G(ctx).WithField("skills_dir", m.root)
	var result *multierror.Error

	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		<-m.consumed
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.shutdownTimeout):
		result = multierror.Append(result, errors.Errorf("timed out waiting for %d skill loads", m.pending.Load()))
	case <-ctx.Done():
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "shutdown interrupted"))
	}

	for _, dir := range m.Directories() {
		m.unloadDir(ctx, dir)
	}
	if err := m.loader.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	log.Info("skill manager stopped")
	return result.ErrorOrNil()
}

func (m *Manager) startWatching(ctx context.Context) error {
	w, err := NewWatcher(m.ctx,
		WithDebounce(m.watchInterval),
		WithBuffer(m.eventBuffer),
		WithIgnorePatterns(m.ignore...),
	)
	if err != nil {
		return err
	}
	if err := w.Add(m.root); err != nil {
		_ = w.Close()
		return err
	}

	dirs, err := m.skillDirs()
	if err != nil {
		_ = w.Close()
		return err
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			logger.G(ctx).WithError(err).WithField("path", dir).Warn("failed to watch skill directory")
		}
	}

	m.watcher = w
	m.consumed = make(chan struct{})
	go m.consume()
	return nil
}

// consume drains watch events one at a time.
func (m *Manager) consume() {
	defer close(m.consumed)
	for ev := range m.watcher.Events() {
		m.handle(m.ctx, ev)
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	log := logger.G(ctx).WithField("path", ev.Path).WithField("event", ev.Kind)
	parent := filepath.Dir(ev.Path)

	switch {
	case parent == m.root:
		switch ev.Kind {
		case EventCreate:
			if !isDir(ev.Path) {
				return
			}
			log.Debug("skill directory created")
			if err := m.watcher.Add(ev.Path); err != nil {
				log.WithError(err).Warn("failed to watch skill directory")
			}
			m.schedule(ctx, ev.Path, m.generation(ev.Path))
		case EventDelete:
			log.Debug("skill directory removed")
			m.unloadDir(ctx, ev.Path)
			m.watcher.Remove(ev.Path)
			m.forget(ev.Path)
		}

	case m.watcher.IsWatched(parent):
		if !m.loader.IsDescriptor(ev.Path) {
			log.Trace("ignoring non-descriptor change")
			return
		}
		switch ev.Kind {
		case EventCreate, EventModify:
			log.Debug("skill descriptor changed")
			gen := m.unloadDir(ctx, parent)
			m.schedule(ctx, parent, gen)
		case EventDelete:
			log.Debug("skill descriptor removed")
			m.unloadDir(ctx, parent)
		}
	}
}

// schedule loads dir on the worker pool unless the manager is stopping.
func (m *Manager) schedule(ctx context.Context, dir string, gen uint64) {
	m.inflight.Add(1)
	m.pending.Add(1)
	go func() {
		defer m.inflight.Done()
		defer m.pending.Add(-1)

		if err := m.workers.Acquire(ctx, 1); err != nil {
			return
		}
		defer m.workers.Release(1)

		_, _ = m.loadDir(ctx, dir, gen)
	}()
}

// loadDir loads dir and registers the result if no unload happened since
// gen was observed.
func (m *Manager) loadDir(ctx context.Context, dir string, gen uint64) (*skills.LoadedSkill, error) {
	log := logger.G(ctx).WithField("path", dir)

	ls, err := m.loader.Load(ctx, dir)
	if err != nil {
		if skills.IsSkip(err) || errors.Is(err, loader.ErrNoDescriptor) {
			log.WithError(err).Info("skipping skill directory")
		} else {
			log.WithError(err).Warn("failed to load skill")
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(dir)
	if st.gen != gen || m.stopped {
		if err := ls.Release(); err != nil {
			log.WithError(err).Warn("failed to release superseded skill")
		}
		log.WithField("skill", ls.Name()).Debug("discarding superseded load")
		return nil, errors.Errorf("load of %s superseded", dir)
	}

	for other, ost := range m.dirs {
		if other != dir && ost.name == ls.Name() {
			log.WithField("skill", ls.Name()).WithField("previous", other).Warn("skill name now served by another directory")
			ost.name = ""
		}
	}
	st.name = ls.Name()
	m.registry.Register(ctx, ls)
	return ls, nil
}

// unloadDir unregisters the skill loaded from dir, releasing its loading
// context before returning, and returns the new generation of dir.
func (m *Manager) unloadDir(ctx context.Context, dir string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(dir)
	st.gen++
	if st.name == "" {
		return st.gen
	}

	name := st.name
	st.name = ""
	if current, ok := m.registry.Get(name); ok && current.Directory == dir {
		m.registry.Unregister(ctx, name)
		logger.G(ctx).WithField("skill", name).WithField("path", dir).Info("skill unloaded")
	}
	return st.gen
}

func (m *Manager) generation(dir string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(dir).gen
}

// state must be called with m.mu held.
func (m *Manager) state(dir string) *dirState {
	st, ok := m.dirs[dir]
	if !ok {
		st = &dirState{}
		m.dirs[dir] = st
	}
	return st
}

func (m *Manager) forget(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.dirs[dir]; ok && st.name == "" {
		delete(m.dirs, dir)
	}
}

func (m *Manager) skillDirs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read skills directory %s", m.root)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(m.root, e.Name()))
		}
	}
	return dirs, nil
}

func (m *Manager) abs(dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(m.root, dir)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
