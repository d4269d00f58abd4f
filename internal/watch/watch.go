// Package watch implements C9: per-source folder watching with glob
// filtering, debounced coalescing, and a startup reconciliation sweep. It
// adapts the teacher's watcher/debouncer coalescing state machine onto
// fsnotify instead of the teacher's own polling fallback, and repurposes
// its coordinator's mtime+size reconciliation comparison from a gitignore-
// scoped sweep into a per-source one.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Operation is the kind of change a watched path underwent.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is one coalesced, filtered change to a watched file.
type Event struct {
	SourceID  string
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures debounce timing, buffer sizing, and glob filters for
// one watched source.
type Options struct {
	DebounceWindow time.Duration
	EventBuffer    int
	IncludeGlobs   []string
	ExcludeGlobs   []string
}

// DefaultOptions returns the default watch options, bumping the teacher's
// 200ms debounce window to 500ms: documents change far less often than
// source files, so coalescing can afford to wait longer per batch.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 500 * time.Millisecond,
		EventBuffer:    1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// Watcher watches one source's root folder for changes, recursively, and
// emits debounced batches of Events on Output().
type Watcher struct {
	sourceID string
	root     string
	opts     Options

	fsw       *fsnotify.Watcher
	debouncer *debouncer
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New constructs a Watcher for one source's root folder. Start must be
// called to begin watching.
func New(sourceID, root string, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		sourceID:  sourceID,
		root:      root,
		opts:      opts.withDefaults(),
		fsw:       fsw,
		debouncer: newDebouncer(opts.withDefaults().DebounceWindow),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start recursively registers every directory under root with fsnotify and
// runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Output returns the channel of debounced, filtered event batches.
func (w *Watcher) Output() <-chan []Event {
	return w.debouncer.output
}

// Stop releases the underlying fsnotify watcher and stops the debouncer.
// Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fsw.Close()
		w.debouncer.Stop()
	})
	return err
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, don't abort the whole watch
		}
		if info.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watch: fsnotify error", slog.String("source_id", w.sourceID), slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !matchGlobs(ev.Name, w.opts.IncludeGlobs, w.opts.ExcludeGlobs) {
		return
	}

	var op Operation
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return
	}

	w.debouncer.Add(Event{SourceID: w.sourceID, Path: ev.Name, Operation: op, Timestamp: time.Now()})
}

// matchGlobs reports whether a path passes the include/exclude filter: it
// must match at least one include glob (or no include globs are set, which
// means "include everything"), and must not match any exclude glob.
func matchGlobs(path string, include, exclude []string) bool {
	base := filepath.Base(path)
	if len(include) > 0 {
		matched := false
		for _, g := range include {
			if ok, _ := filepath.Match(g, base); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, g := range exclude {
		if ok, _ := filepath.Match(g, base); ok {
			return false
		}
	}
	return true
}
