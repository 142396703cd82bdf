package lifecycle

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
)

// EventKind classifies a debounced filesystem change.
type EventKind int

const (
	EventCreate EventKind = iota + 1
	EventModify
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

// Event is a debounced change to one path.
type Event struct {
	Path string
	Kind EventKind
}

// DefaultIgnorePatterns match editor swap, backup and temporary files.
var DefaultIgnorePatterns = []string{"*.swp", "*.swx", "*~", ".#*", "#*#", "*.tmp", "4913", ".DS_Store"}

// Watcher watches directories non-recursively and emits one Event per path
// once the path has been quiet for its debounce window. Creates settle
// faster than modifications and deletions.
type Watcher struct {
	fsw         *fsnotify.Watcher
	events      chan Event
	createDelay time.Duration
	changeDelay time.Duration
	ignore      []string
	dropped     atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingEvent
	watched map[string]bool
	closed  bool

	done chan struct{}
}

type pendingEvent struct {
	kind  EventKind
	timer *time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period for modify and delete events. Create
// events use half of it.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.changeDelay = d
		w.createDelay = d / 2
	}
}

// WithBuffer sets the capacity of the event channel. Events that do not fit
// are dropped and counted.
func WithBuffer(n int) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.events = make(chan Event, n)
		}
	}
}

// WithIgnorePatterns replaces the base-name patterns of ignored files.
func WithIgnorePatterns(patterns ...string) WatcherOption {
	return func(w *Watcher) {
		w.ignore = patterns
	}
}

// NewWatcher starts a watcher. Events are delivered until Close.
func NewWatcher(ctx context.Context, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	w := &Watcher{
		fsw:         fsw,
		events:      make(chan Event, 256),
		createDelay: 500 * time.Millisecond,
		changeDelay: time.Second,
		ignore:      DefaultIgnorePatterns,
		pending:     make(map[string]*pendingEvent),
		watched:     make(map[string]bool),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range w.ignore {
		if !doublestar.ValidatePattern(p) {
			fsw.Close()
			return nil, errors.Errorf("invalid ignore pattern %q", p)
		}
	}

	go w.run(ctx)
	return w, nil
}

// Events returns the debounced event stream. It is closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Dropped returns how many events were discarded because the channel was
// full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Add starts watching dir. Adding a watched directory is a no-op.
func (w *Watcher) Add(dir string) error {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("watcher is closed")
	}
	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}
	w.watched[dir] = true
	return nil
}

// Remove stops watching dir. A directory that no longer exists has already
// been dropped by the OS and is only forgotten.
func (w *Watcher) Remove(dir string) {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watched[dir] {
		return
	}
	delete(w.watched, dir)
	_ = w.fsw.Remove(dir)
}

// IsWatched reports whether dir is watched.
func (w *Watcher) IsWatched(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[filepath.Clean(dir)]
}

// Watched returns the watched directories, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.watched))
	for d := range w.watched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Close stops all watches and pending timers and closes the event channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.watched = map[string]bool{}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	close(w.events)
	w.mu.Unlock()
	return errors.Wrap(err, "failed to close file watcher")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	log := logger.G(ctx)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			kind, ok := classify(ev.Op)
			if !ok || w.ignored(ev.Name) {
				continue
			}
			w.debounce(ctx, filepath.Clean(ev.Name), kind)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}

func classify(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreate, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventDelete, true
	case op.Has(fsnotify.Write):
		return EventModify, true
	}
	return 0, false
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, p := range w.ignore {
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}

// debounce (re)arms the timer of path. The most recent kind wins.
func (w *Watcher) debounce(ctx context.Context, path string, kind EventKind) {
	delay := w.changeDelay
	if kind == EventCreate {
		delay = w.createDelay
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
	}
	p := &pendingEvent{kind: kind}
	p.timer = time.AfterFunc(delay, func() { w.fire(ctx, path, p) })
	w.pending[path] = p
}

func (w *Watcher) fire(ctx context.Context, path string, p *pendingEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.pending[path] != p {
		return
	}
	delete(w.pending, path)

	select {
	case w.events <- Event{Path: path, Kind: p.kind}:
	default:
		w.dropped.Add(1)
		logger.G(ctx).WithField("path", path).WithField("kind", p.kind).Warn("watch event queue full, dropping event")
	}
}
