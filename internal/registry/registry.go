// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry keeps an ordered set of plugin records in step with the
// bundles in a plugins directory.
//
// The registry owns a watcher on the directory. Settled additions and
// removals become record mutations; records sharing a bundle identifier are
// flagged as conflicts, with the oldest record authoritative. Enabled flags
// are persisted through a state.Store so they survive restarts.
package registry

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/plugdir/internal/bundle"
	"github.com/holomush/plugdir/internal/observability"
	"github.com/holomush/plugdir/internal/pathutil"
	"github.com/holomush/plugdir/internal/state"
	"github.com/holomush/plugdir/internal/watcher"
	"github.com/holomush/plugdir/pkg/errutil"
)

// Error codes.
const (
	CodeUnknownPlugin     = "UNKNOWN_PLUGIN"
	CodePersistenceFailed = "PERSISTENCE_FAILED"
	CodeRegistryClosed    = "REGISTRY_CLOSED"
	CodeRemoveFailed      = "REMOVE_FAILED"
)

// Restart backoff defaults.
const (
	DefaultRestartBase = 500 * time.Millisecond
	DefaultRestartMax  = 30 * time.Second
)

// Source is the read side a presentation layer renders from.
type Source interface {
	Snapshot() []Record
	Lookup(identifier string) (Record, bool)
	Subscribe() <-chan Change
	Unsubscribe(ch <-chan Change)
}

// Controller is the mutation side a presentation layer acts through.
type Controller interface {
	SetEnabled(identifier string, enabled bool) error
	Install(ctx context.Context, sources []string) []InstallResult
	InstallAsync(ctx context.Context, sources []string) <-chan []InstallResult
	Uninstall(identifier string) (string, error)
	Reload(ctx context.Context) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithReader sets the bundle metadata reader. Defaults to bundle.Read.
func WithReader(read bundle.Reader) Option {
	return func(r *Registry) { r.read = read }
}

// WithStateStore sets where enabled flags are persisted. Defaults to an
// in-memory store.
func WithStateStore(s state.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithWatcherOptions passes options through to the directory watcher.
func WithWatcherOptions(opts ...watcher.Option) Option {
	return func(r *Registry) { r.watchOpts = append(r.watchOpts, opts...) }
}

// WithInstallPolicy sets what Install does when the destination exists.
func WithInstallPolicy(p InstallPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithInstallMode sets whether Install copies or moves sources.
func WithInstallMode(m InstallMode) Option {
	return func(r *Registry) { r.mode = m }
}

// WithInstallConcurrency bounds how many bundles Install handles at once.
func WithInstallConcurrency(n int) Option {
	return func(r *Registry) { r.concurrency = n }
}

// WithRestartBackoff sets the exponential backoff used to restart a failed
// watcher.
func WithRestartBackoff(base, maxDelay time.Duration) Option {
	return func(r *Registry) {
		r.restartBase = base
		r.restartMax = maxDelay
	}
}

// WithHostVersion sets the host version checked against bundle bounds.
func WithHostVersion(v string) Option {
	return func(r *Registry) { r.hostVersion = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink. It is shared with the watcher.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the reconciled view of a plugins directory.
type Registry struct {
	dir         string
	read        bundle.Reader
	store       state.Store
	watchOpts   []watcher.Option
	policy      InstallPolicy
	mode        InstallMode
	concurrency int
	restartBase time.Duration
	restartMax  time.Duration
	hostVersion string
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	w       *watcher.Watcher
	changes *broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	// persistMu orders state saves so an older flag set never overwrites a
	// newer one.
	persistMu sync.Mutex

	mu       sync.Mutex
	records  []*Record // ordered by seq
	prefs    map[string]bool
	nextSeq  uint64
	loaded   bool
	closed   bool
	restarts sync.WaitGroup
	installs sync.WaitGroup

	// gen counts watcher-driven mutations so a reload can tell records
	// written after its scan began from stale ones.
	gen uint64
}

// New creates a registry for dir. Nothing is read until Open or Start.
func New(dir string, opts ...Option) (*Registry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, oops.Code(watcher.CodeWatchUnavailable).With("dir", dir).Wrapf(err, "resolve plugins directory")
	}

	r := &Registry{
		dir:         filepath.Clean(abs),
		read:        bundle.Read,
		policy:      ReplaceExisting,
		mode:        ModeCopy,
		concurrency: DefaultInstallConcurrency,
		restartBase: DefaultRestartBase,
		restartMax:  DefaultRestartMax,
		now:         time.Now,
		prefs:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = state.NewMemoryStore(nil)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")
	if r.concurrency < 1 {
		r.concurrency = 1
	}

	wopts := append([]watcher.Option{
		watcher.WithLogger(r.logger),
		watcher.WithMetrics(r.metrics),
	}, r.watchOpts...)
	r.w, err = watcher.New(r.dir, wopts...)
	if err != nil {
		return nil, err
	}
	r.w.SetDelegate(watchDelegate{r: r})

	r.changes = newBroadcaster(r.logger)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Dir returns the plugins directory.
func (r *Registry) Dir() string { return r.dir }

// Watching reports whether the directory watcher is running.
func (r *Registry) Watching() bool { return r.w.Running() }

// Open loads persisted flags and scans the directory without watching it.
// It is enough for one-shot queries and mutations.
func (r *Registry) Open(ctx context.Context) error {
	if err := r.loadState(); err != nil {
		return err
	}
	return r.Reload(ctx)
}

// Start loads persisted flags, starts watching, and performs the initial
// scan. Watcher setup errors are returned as is.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.loadState(); err != nil {
		return err
	}
	if err := r.w.Start(); err != nil {
		return err
	}
	if err := r.Reload(ctx); err != nil {
		r.w.Stop()
		return err
	}
	r.logger.Info("registry started", "dir", r.dir, "records", len(r.Snapshot()))
	return nil
}

// Close stops watching, waits for background work, and closes all
// subscriptions. It is safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.restarts.Wait()
	r.w.Stop()
	r.installs.Wait()
	r.changes.close()
	return nil
}

func (r *Registry) loadState() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return oops.Code(CodeRegistryClosed).Errorf("registry is closed")
	}
	if r.loaded {
		return nil
	}
	r.loaded = true

	prefs, err := r.store.Load()
	if err != nil {
		// Unreadable state degrades to defaults; flags stay in memory.
		errutil.LogWarn(r.logger, "enabled flags not loaded",
			oops.Code(CodePersistenceFailed).Wrapf(err, "load enabled flags"))
		return nil
	}
	r.prefs = prefs
	if r.prefs == nil {
		r.prefs = make(map[string]bool)
	}
	return nil
}

// Snapshot returns a copy of all records in addition order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.clone()
	}
	return out
}

// Lookup returns the authoritative record for identifier.
func (r *Registry) Lookup(identifier string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.authoritative(identifier); rec != nil {
		return rec.clone(), true
	}
	return Record{}, false
}

// Subscribe returns a channel that receives a Change after every state
// change. Slow receivers miss changes rather than stall the registry.
func (r *Registry) Subscribe() <-chan Change { return r.changes.subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (r *Registry) Unsubscribe(ch <-chan Change) { r.changes.unsubscribe(ch) }

// SetEnabled sets the enabled preference for identifier and persists it.
// When persisting fails the preference still applies for this process and a
// PERSISTENCE_FAILED error is returned.
func (r *Registry) SetEnabled(identifier string, enabled bool) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	rec := r.authoritative(identifier)
	if rec == nil {
		r.mu.Unlock()
		return oops.Code(CodeUnknownPlugin).With("identifier", identifier).Errorf("no plugin with identifier %q", identifier)
	}
	location := rec.Location
	r.prefs[identifier] = enabled
	r.recompute(identifier)
	flags := maps.Clone(r.prefs)
	r.mu.Unlock()

	r.changes.broadcast(Change{Kind: ChangeEnabled, Identifier: identifier, Location: location})

	if err := r.store.Save(flags); err != nil {
		err = oops.Code(CodePersistenceFailed).
			With("identifier", identifier).
			With("enabled", enabled).
			Wrapf(err, "persist enabled flag")
		errutil.LogWarn(r.logger, "enabled flag kept in memory only", err)
		return err
	}
	return nil
}

// Uninstall deletes the authoritative bundle for identifier from disk and
// returns its former location.
func (r *Registry) Uninstall(identifier string) (string, error) {
	r.mu.Lock()
	rec := r.authoritative(identifier)
	if rec == nil {
		r.mu.Unlock()
		return "", oops.Code(CodeUnknownPlugin).With("identifier", identifier).Errorf("no plugin with identifier %q", identifier)
	}
	location := rec.Location
	r.mu.Unlock()

	if err := os.RemoveAll(location); err != nil {
		return "", oops.Code(CodeRemoveFailed).
			With("identifier", identifier).
			With("location", location).
			Wrapf(err, "remove bundle")
	}
	// The watcher reports the same removal later; applying it twice is a no-op.
	r.applyRemoved(location)
	r.logger.Info("bundle uninstalled", "identifier", identifier, "location", location)
	return location, nil
}

// entry is one scanned bundle with its metadata or read error.
type entry struct {
	path    string
	modTime time.Time
	info    *bundle.Info
	err     error
}

// Reload rescans the directory and reconciles records with it. New bundles
// are added oldest modification time first. Records the watcher wrote while
// the scan ran are newer than the scan and are left alone.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	start := r.gen
	r.mu.Unlock()

	entries, err := r.scan(ctx)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.path] = true
	}

	r.mu.Lock()
	affected := make(map[string]bool)
	changed := false

	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if present[rec.Location] || rec.gen > start {
			continue
		}
		affected[rec.BundleIdentifier] = true
		r.removeAt(i)
		changed = true
	}

	for _, e := range entries {
		idx := r.indexAt(e.path)
		if idx >= 0 && r.records[idx].gen > start {
			continue
		}
		if idx < 0 && r.gen > start {
			if _, err := os.Lstat(e.path); err != nil {
				// Removed and reported since the scan.
				continue
			}
		}
		if e.err != nil {
			errutil.LogWarn(r.logger, "skipping unreadable bundle", e.err)
			if idx >= 0 {
				affected[r.records[idx].BundleIdentifier] = true
				r.removeAt(idx)
				changed = true
			}
			continue
		}
		if idx >= 0 && r.records[idx].sameContent(e.info) {
			continue
		}
		for _, id := range r.put(idx, e.path, e.info) {
			affected[id] = true
		}
		changed = true
	}

	for id := range affected {
		r.recompute(id)
	}
	r.updateMetrics()
	r.mu.Unlock()

	if changed {
		r.changes.broadcast(Change{Kind: ChangeReloaded})
	}
	return nil
}

// scan lists and reads every candidate bundle in the directory.
func (r *Registry) scan(ctx context.Context) ([]entry, error) {
	dirents, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, oops.Code(watcher.CodeWatchUnavailable).With("dir", r.dir).Wrapf(err, "list plugins directory")
	}

	entries := make([]entry, 0, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, oops.Wrapf(err, "scan plugins directory")
		}
		if r.w.Ignores(d.Name()) {
			continue
		}
		fi, err := d.Info()
		if err != nil {
			// Gone since ReadDir.
			continue
		}
		path := filepath.Join(r.dir, d.Name())
		info, err := r.read(path)
		entries = append(entries, entry{path: path, modTime: fi.ModTime(), info: info, err: err})
	}

	slices.SortStableFunc(entries, func(a, b entry) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})
	return entries, nil
}

// applyAdded handles a settled addition reported by the watcher.
func (r *Registry) applyAdded(path string, replacement bool) {
	info, err := r.read(path)
	if err != nil {
		errutil.LogWarn(r.logger, "ignoring unreadable bundle", err)
		// Whatever was here before is no longer a valid bundle.
		r.applyRemoved(path)
		return
	}

	r.mu.Lock()
	r.gen++
	idx := r.indexAt(path)
	if idx >= 0 && !replacement {
		rec := r.records[idx]
		if rec.sameContent(info) {
			// A reload recorded it first.
			rec.gen = r.gen
			r.mu.Unlock()
			r.logger.Debug("bundle already recorded", "identifier", info.Identifier, "location", path)
			return
		}
		r.logger.Warn("new bundle at a recorded location, replacing stale record",
			"location", path,
			"identifier", info.Identifier,
			"stale_identifier", rec.BundleIdentifier,
			"stale_version", rec.BundleVersion,
		)
	}
	kind := ChangeAdded
	if idx >= 0 {
		kind = ChangeReplaced
	}
	affected := r.put(idx, path, info)
	conflicts := false
	for _, id := range affected {
		conflicts = r.recompute(id) || conflicts
	}
	r.updateMetrics()
	r.mu.Unlock()

	r.logger.Info("bundle "+string(kind),
		"identifier", info.Identifier,
		"version", info.Version,
		"location", path,
		"replacement", replacement,
	)
	r.changes.broadcast(Change{Kind: kind, Identifier: info.Identifier, Location: path})
	if conflicts {
		r.changes.broadcast(Change{Kind: ChangeConflicts, Identifier: info.Identifier})
	}
}

// applyRemoved handles a settled removal reported by the watcher.
func (r *Registry) applyRemoved(path string) {
	r.mu.Lock()
	r.gen++
	idx := r.indexAt(path)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	removed := r.removeAt(idx)
	conflicts := r.recompute(removed.BundleIdentifier)
	r.updateMetrics()
	r.mu.Unlock()

	r.logger.Info("bundle removed", "identifier", removed.BundleIdentifier, "location", path)
	r.changes.broadcast(Change{Kind: ChangeRemoved, Identifier: removed.BundleIdentifier, Location: path})
	if conflicts {
		r.changes.broadcast(Change{Kind: ChangeConflicts, Identifier: removed.BundleIdentifier})
	}
}

// put stores a record for info at path: in place when idx >= 0, appended
// otherwise. It returns the identifiers whose conflict state may change.
// Caller holds r.mu.
func (r *Registry) put(idx int, path string, info *bundle.Info) []string {
	compatible, err := info.Manifest.Compatible(r.hostVersion)
	if err != nil {
		errutil.LogWarn(r.logger, "host version bounds unusable", err)
	}
	metadata, err := copyMetadata(info.Metadata)
	if err != nil {
		errutil.LogWarn(r.logger, "bundle metadata copied shallowly", err)
	}

	if idx >= 0 {
		old := r.records[idx]
		r.records[idx] = newRecord(info, path, old.seq, r.now(), compatible, metadata)
		r.records[idx].gen = r.gen
		if old.BundleIdentifier != info.Identifier {
			return []string{old.BundleIdentifier, info.Identifier}
		}
		return []string{info.Identifier}
	}

	r.nextSeq++
	rec := newRecord(info, path, r.nextSeq, r.now(), compatible, metadata)
	rec.gen = r.gen
	r.records = append(r.records, rec)
	return []string{info.Identifier}
}

// removeAt deletes the record at idx and returns it. Caller holds r.mu.
func (r *Registry) removeAt(idx int) *Record {
	rec := r.records[idx]
	r.records = slices.Delete(r.records, idx, idx+1)
	return rec
}

// indexAt finds the record located at path. Caller holds r.mu.
func (r *Registry) indexAt(path string) int {
	for i, rec := range r.records {
		if rec.Location == path {
			return i
		}
	}
	for i, rec := range r.records {
		if pathutil.IsSameFileObject(rec.Location, path) {
			return i
		}
	}
	return -1
}

// authoritative returns the oldest record for identifier. Caller holds r.mu.
func (r *Registry) authoritative(identifier string) *Record {
	for _, rec := range r.records {
		if rec.BundleIdentifier == identifier {
			return rec
		}
	}
	return nil
}

// recompute applies the conflict policy to one identifier group: the
// oldest record is authoritative and carries the persisted preference, the
// rest are conflicted and disabled. It reports whether any record's
// conflict flag changed. Caller holds r.mu.
func (r *Registry) recompute(identifier string) bool {
	changed := false
	first := true
	for _, rec := range r.records {
		if rec.BundleIdentifier != identifier {
			continue
		}
		conflicted := !first
		if rec.Conflicted != conflicted {
			changed = true
		}
		rec.Conflicted = conflicted
		rec.Enabled = first && r.preference(identifier)
		first = false
	}
	return changed
}

func (r *Registry) preference(identifier string) bool {
	if enabled, ok := r.prefs[identifier]; ok {
		return enabled
	}
	return true
}

// updateMetrics publishes record gauges. Caller holds r.mu.
func (r *Registry) updateMetrics() {
	conflicted := 0
	for _, rec := range r.records {
		if rec.Conflicted {
			conflicted++
		}
	}
	r.metrics.SetRecords(len(r.records), conflicted)
}

// watchFailed restarts the watcher in the background unless closing.
func (r *Registry) watchFailed(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.restarts.Add(1)
	r.mu.Unlock()

	errutil.LogWarn(r.logger, "watcher lost, restarting", err)
	go r.restartWatcher()
}

func (r *Registry) restartWatcher() {
	defer r.restarts.Done()

	// Bundles cannot outlive their directory.
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		r.dropAll()
	}

	backoff := retry.WithCappedDuration(r.restartMax, retry.NewExponential(r.restartBase))
	attempts := 0
	err := retry.Do(r.ctx, backoff, func(_ context.Context) error {
		attempts++
		if err := r.w.Start(); err != nil {
			if errutil.HasCode(err, watcher.CodeAlreadyStarted) {
				return nil
			}
			r.logger.Debug("watcher restart failed", "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Only cancellation ends the retries.
		return
	}

	r.metrics.WatcherRestarted()
	r.logger.Info("watcher restarted", "attempts", attempts)
	if err := r.Reload(r.ctx); err != nil {
		errutil.LogWarn(r.logger, "reload after restart failed", err)
	}
}

func (r *Registry) dropAll() {
	r.mu.Lock()
	r.gen++
	dropped := len(r.records)
	r.records = nil
	r.updateMetrics()
	r.mu.Unlock()

	if dropped > 0 {
		r.changes.broadcast(Change{Kind: ChangeReloaded})
	}
}

// watchDelegate receives watcher callbacks on the watcher's goroutine.
type watchDelegate struct {
	r *Registry
}

func (d watchDelegate) ItemAdded(path string, replacement bool) { d.r.applyAdded(path, replacement) }
func (d watchDelegate) ItemRemoved(path string) { d.r.applyRemoved(path) }
func (d watchDelegate) WatchFailed(err error) { d.r.watchFailed(err) }

var (
	_ Source                     = (*Registry)(nil)
	_ Controller                 = (*Registry)(nil)
	_ watcher.ItemAddedHandler   = watchDelegate{}
	_ watcher.ItemRemovedHandler = watchDelegate{}
	_ watcher.FailureHandler     = watchDelegate{}
)
