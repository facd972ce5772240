// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package watcher reports settled additions, replacements, and removals of
// the top-level entries of one directory.
//
// Raw filesystem notifications are noisy: a bundle copied into the
// directory produces a burst of create and write events, and a replace is
// usually a remove followed by a create. The watcher coalesces those bursts
// and reports each logical change once, after the entry has been quiet for
// a quiescence interval.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/holomush/plugdir/internal/observability"
	"github.com/holomush/plugdir/internal/pathutil"
	"github.com/holomush/plugdir/pkg/errutil"
)

// Error codes returned or reported by the watcher.
const (
	CodeAlreadyStarted   = "ALREADY_STARTED"
	CodeWatchUnavailable = "WATCH_UNAVAILABLE"
	CodeWatchLost        = "WATCH_LOST"
	CodeInvalidOption    = "CONFIG_INVALID"
)

// Defaults.
const (
	DefaultQuiescence = 300 * time.Millisecond
	minScanInterval   = 10 * time.Millisecond
)

// Delegate receives watcher events. It has no methods of its own; a
// delegate implements whichever handler interfaces it cares about.
type Delegate interface{}

// ItemAddedHandler is notified when an entry has settled. replacement is
// true when an entry of the same name was previously known.
type ItemAddedHandler interface {
	ItemAdded(path string, replacement bool)
}

// ItemRemovedHandler is notified when a known entry is gone for good.
type ItemRemovedHandler interface {
	ItemRemoved(path string)
}

// FailureHandler is notified once when the watcher stops on its own.
type FailureHandler interface {
	WatchFailed(err error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithQuiescence sets how long an entry must be quiet before it is reported.
func WithQuiescence(d time.Duration) Option {
	return func(w *Watcher) { w.quiescence = d }
}

// WithScanInterval sets how often in-flight entries are checked.
// Defaults to a third of the quiescence interval.
func WithScanInterval(d time.Duration) Option {
	return func(w *Watcher) { w.scanInterval = d }
}

// WithIgnorePatterns replaces DefaultIgnorePatterns. Hidden names are
// ignored regardless.
func WithIgnorePatterns(patterns ...string) Option {
	return func(w *Watcher) { w.patterns = patterns }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithMetrics sets the metrics sink. A nil sink disables metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// Watcher watches a single directory, non-recursively.
type Watcher struct {
	dir          string
	quiescence   time.Duration
	scanInterval time.Duration
	patterns     []string
	ignore       *ignoreMatcher
	logger       *slog.Logger
	metrics      *observability.Metrics

	mu       sync.Mutex
	running  bool
	delegate Delegate
	stop     chan struct{}
	done     chan struct{}

	pending atomic.Int64
}

// New creates a stopped watcher for dir.
func New(dir string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, oops.Code(CodeWatchUnavailable).With("dir", dir).Wrapf(err, "resolve watch directory")
	}

	w := &Watcher{
		dir:        filepath.Clean(abs),
		quiescence: DefaultQuiescence,
		patterns:   DefaultIgnorePatterns,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.quiescence <= 0 {
		return nil, oops.Code(CodeInvalidOption).With("quiescence", w.quiescence).Errorf("quiescence must be positive")
	}
	if w.scanInterval <= 0 {
		w.scanInterval = w.quiescence / 3
	}
	if w.scanInterval < minScanInterval {
		w.scanInterval = minScanInterval
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "watcher", "dir", w.dir)

	w.ignore, err = newIgnoreMatcher(w.patterns)
	if err != nil {
		return nil, oops.Code(CodeInvalidOption).Wrap(err)
	}
	return w, nil
}

// Dir returns the absolute path of the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Running reports whether the run loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Pending returns the number of entries seen but not yet reported.
func (w *Watcher) Pending() int { return int(w.pending.Load()) }

// Ignores reports whether name would be dropped by the ignore rules.
func (w *Watcher) Ignores(name string) bool { return w.ignore.match(name) }

// SetDelegate sets the event receiver. The watcher does not own it;
// passing nil detaches, after which events are discarded.
func (w *Watcher) SetDelegate(d Delegate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delegate = d
}

func (w *Watcher) currentDelegate() Delegate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delegate
}

// Start begins watching. Entries already present are treated as known and
// are not reported.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return oops.Code(CodeAlreadyStarted).With("dir", w.dir).Errorf("watcher already started")
	}

	info, err := os.Stat(w.dir)
	if err != nil {
		return oops.Code(CodeWatchUnavailable).With("dir", w.dir).Wrapf(err, "stat watch directory")
	}
	if !info.IsDir() {
		return oops.Code(CodeWatchUnavailable).With("dir", w.dir).Errorf("watch path is not a directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.Code(CodeWatchUnavailable).With("dir", w.dir).Wrapf(err, "create notifier")
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return oops.Code(CodeWatchUnavailable).With("dir", w.dir).Wrapf(err, "watch directory")
	}

	// Seed after Add so nothing created in between is missed. An entry that
	// races the seed is reported as a replacement, which is harmless.
	existing, err := w.listEntries()
	if err != nil {
		_ = fsw.Close()
		return oops.Code(CodeWatchUnavailable).With("dir", w.dir).Wrapf(err, "list watch directory")
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	w.pending.Store(0)
	w.metrics.SetPending(0)

	go w.run(fsw, newTracker(w.quiescence, existing), w.stop, w.done)

	w.logger.Debug("watcher started", "known", len(existing), "quiescence", w.quiescence)
	return nil
}

// Stop ends watching and waits for the run loop to exit. No delegate
// method is called after Stop returns. Stop must not be called from a
// delegate callback.
func (w *Watcher) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.running = false
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.logger.Debug("watcher stopped")
}

func (w *Watcher) listEntries() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Start
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if w.ignore.match(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (w *Watcher) run(fsw *fsnotify.Watcher, t *tracker, stop, done chan struct{}) {
	defer close(done)
	defer func() { _ = fsw.Close() }()

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	probe := func(name string) (fingerprint, bool) {
		return takeFingerprint(filepath.Join(w.dir, name))
	}

	for {
		select {
		case <-stop:
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				w.fail(stop, oops.Code(CodeWatchLost).With("dir", w.dir).Errorf("notification channel closed"))
				return
			}
			if lost := w.handleRaw(t, ev); lost != nil {
				w.fail(stop, lost)
				return
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				w.fail(stop, oops.Code(CodeWatchLost).With("dir", w.dir).Errorf("notification channel closed"))
				return
			}
			w.fail(stop, oops.Code(CodeWatchLost).With("dir", w.dir).Wrapf(err, "notification error"))
			return

		case now := <-ticker.C:
			if info, err := os.Stat(w.dir); err != nil || !info.IsDir() {
				w.fail(stop, oops.Code(CodeWatchLost).With("dir", w.dir).Errorf("watch directory is gone"))
				return
			}
			for _, ev := range t.scan(now, probe) {
				if !w.dispatch(stop, ev) {
					return
				}
			}
		}

		w.pending.Store(int64(t.pendingCount()))
		w.metrics.SetPending(t.pendingCount())
	}
}

// handleRaw feeds one notification to the tracker. It returns a non-nil
// error when the watched directory itself went away.
func (w *Watcher) handleRaw(t *tracker, ev fsnotify.Event) error {
	name := filepath.Clean(ev.Name)
	if name == w.dir {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return oops.Code(CodeWatchLost).With("dir", w.dir).With("op", ev.Op.String()).Errorf("watch directory removed")
		}
		return nil
	}

	base := filepath.Base(name)
	if filepath.Dir(name) != w.dir && !pathutil.IsChildOf(name, w.dir) {
		w.metrics.RawEvent("ignored")
		return nil
	}
	if w.ignore.match(base) {
		w.metrics.RawEvent("ignored")
		return nil
	}

	now := time.Now()
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		t.appear(base, now)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		t.vanish(base, now)
	default:
		// Attribute-only changes do not alter bundle content.
		w.metrics.RawEvent("ignored")
		return nil
	}
	w.metrics.RawEvent("tracked")
	return nil
}

// dispatch delivers one settled event. It returns false when the watcher
// was stopped and delivery must end.
func (w *Watcher) dispatch(stop <-chan struct{}, ev settled) bool {
	select {
	case <-stop:
		return false
	default:
	}

	path := filepath.Join(w.dir, ev.name)
	w.metrics.WatcherEvent(ev.kind.String())
	w.logger.Debug("settled", "kind", ev.kind.String(), "name", ev.name)

	switch d := w.currentDelegate(); ev.kind {
	case KindAdded, KindReplaced:
		if h, ok := d.(ItemAddedHandler); ok {
			h.ItemAdded(path, ev.kind == KindReplaced)
		}
	case KindRemoved:
		if h, ok := d.(ItemRemovedHandler); ok {
			h.ItemRemoved(path)
		}
	}
	return true
}

func (w *Watcher) fail(stop <-chan struct{}, err error) {
	w.mu.Lock()
	// A concurrent Stop already detached this loop; it is not a failure.
	stopped := w.stop != stop
	if !stopped {
		w.running = false
	}
	w.mu.Unlock()
	if stopped {
		return
	}

	w.metrics.WatcherFailed()
	errutil.LogError(w.logger, "watcher failed", err)

	if h, ok := w.currentDelegate().(FailureHandler); ok {
		h.WatchFailed(err)
	}
}
