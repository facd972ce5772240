// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/plugdir/internal/bundle"
	"github.com/holomush/plugdir/internal/observability"
	"github.com/holomush/plugdir/internal/state"
	"github.com/holomush/plugdir/pkg/errutil"
)

func TestOpen_DistinctIdentifiersAreNotConflicted(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	writeBundle(t, dir, "B.bundle", "com.x.b", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	records := r.Snapshot()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.False(t, rec.Conflicted, rec.BundleIdentifier)
		assert.True(t, rec.Enabled, rec.BundleIdentifier)
		assert.True(t, rec.Compatible, rec.BundleIdentifier)
		assert.NotZero(t, rec.ID)
	}
}

func TestOpen_OldestBundleIsAuthoritative(t *testing.T) {
	dir := t.TempDir()
	// B is older on disk even though it sorts after A.
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "2.0.0")
	b := writeBundle(t, dir, "B.bundle", "com.x.a", "1.0.0")
	age(t, a, time.Hour)
	age(t, b, 2*time.Hour)

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	assert.Equal(t, []string{"com.x.a@B.bundle", "com.x.a@A.bundle"}, identifiers(r.Snapshot()))
	assert.False(t, recordAt(t, r, "B.bundle").Conflicted)
	assert.True(t, recordAt(t, r, "B.bundle").Enabled)
	assert.True(t, recordAt(t, r, "A.bundle").Conflicted)
	assert.False(t, recordAt(t, r, "A.bundle").Enabled)

	rec, ok := r.Lookup("com.x.a")
	require.True(t, ok)
	assert.Equal(t, b, rec.Location)
}

func TestOpen_EqualTimesFallBackToName(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	b := writeBundle(t, dir, "B.bundle", "com.x.a", "1.0.0")
	when := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(a, when, when))
	require.NoError(t, os.Chtimes(b, when, when))

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	assert.Equal(t, []string{"com.x.a@A.bundle", "com.x.a@B.bundle"}, identifiers(r.Snapshot()))
	assert.True(t, recordAt(t, r, "B.bundle").Conflicted)
}

func TestOpen_SkipsInvalidAndIgnoredEntries(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Empty.bundle"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o600))
	writeBundle(t, dir, ".Hidden.bundle", "com.x.hidden", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	assert.Equal(t, []string{"com.x.a@A.bundle"}, identifiers(r.Snapshot()))
}

func TestOpen_MissingDirectory(t *testing.T) {
	r, _ := newRegistry(t, filepath.Join(t.TempDir(), "absent"))
	err := r.Open(context.Background())
	errutil.AssertErrorCode(t, err, "WATCH_UNAVAILABLE")
}

func TestOpen_AppliesPersistedFlags(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	writeBundle(t, dir, "B.bundle", "com.x.b", "1.0.0")

	r, err := New(dir, WithStateStore(state.NewMemoryStore(map[string]bool{"com.x.a": false})))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.NoError(t, r.Open(context.Background()))

	a, _ := r.Lookup("com.x.a")
	b, _ := r.Lookup("com.x.b")
	assert.False(t, a.Enabled)
	assert.True(t, b.Enabled)
}

func TestApplyAdded_OverwriteReplacesInPlace(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	writeBundle(t, dir, "Z.bundle", "com.x.z", "1.0.0")
	age(t, a, time.Hour)

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	before := recordAt(t, r, "A.bundle")

	writeBundle(t, dir, "A.bundle", "com.x.a", "2.0.0")
	r.applyAdded(a, true)

	records := r.Snapshot()
	require.Len(t, records, 2)
	after := records[0]
	assert.Equal(t, a, after.Location)
	assert.Equal(t, "2.0.0", after.BundleVersion)
	assert.False(t, after.Conflicted)
	assert.NotEqual(t, before.ID, after.ID, "a change on disk is a new record")
	assert.Equal(t, before.seq, after.seq, "position is kept")
}

func TestApplyAdded_IdentifierChangeAtSameLocation(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	b := writeBundle(t, dir, "B.bundle", "com.x.b", "1.0.0")
	age(t, a, 2*time.Hour)
	age(t, b, time.Hour)

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	// A now claims B's identifier; A is older so it wins.
	writeBundle(t, dir, "A.bundle", "com.x.b", "1.0.0")
	r.applyAdded(a, true)

	_, ok := r.Lookup("com.x.a")
	assert.False(t, ok)
	assert.False(t, recordAt(t, r, "A.bundle").Conflicted)
	assert.True(t, recordAt(t, r, "B.bundle").Conflicted)
}

func TestApplyAdded_UnreadableReplacementDropsRecord(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	require.NoError(t, os.Remove(filepath.Join(a, "Contents", "bundle.yaml")))

	r.applyAdded(a, true)
	assert.Empty(t, r.Snapshot())
}

func TestApplyRemoved_PromotesNextOldest(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	b := writeBundle(t, dir, "B.bundle", "com.x.a", "1.0.0")
	c := writeBundle(t, dir, "C.bundle", "com.x.a", "1.0.0")
	age(t, a, 3*time.Hour)
	age(t, b, 2*time.Hour)
	age(t, c, time.Hour)

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	require.NoError(t, r.SetEnabled("com.x.a", false))

	require.NoError(t, os.RemoveAll(a))
	r.applyRemoved(a)

	assert.Equal(t, []string{"com.x.a@B.bundle", "com.x.a@C.bundle"}, identifiers(r.Snapshot()))
	assert.False(t, recordAt(t, r, "B.bundle").Conflicted)
	assert.False(t, recordAt(t, r, "B.bundle").Enabled, "preference follows the identifier")
	assert.True(t, recordAt(t, r, "C.bundle").Conflicted)

	// Unknown paths are ignored.
	r.applyRemoved(filepath.Join(dir, "Nope.bundle"))
	assert.Len(t, r.Snapshot(), 2)
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	first := r.Snapshot()
	second := r.Snapshot()
	assert.Equal(t, first, second)

	first[0].Enabled = false
	first[0].Metadata["identifier"] = "com.evil"
	first[0].BundleVersion = "9"

	third := r.Snapshot()
	assert.Equal(t, second, third)
	assert.Equal(t, "com.x.a", third[0].Metadata["identifier"])
}

func TestSetEnabled(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	b := writeBundle(t, dir, "B.bundle", "com.x.a", "1.0.0")
	age(t, a, 2*time.Hour)
	age(t, b, time.Hour)

	r, store := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	t.Run("unknown identifier", func(t *testing.T) {
		err := r.SetEnabled("com.x.none", true)
		errutil.AssertErrorCode(t, err, CodeUnknownPlugin)
		errutil.AssertErrorContext(t, err, "identifier", "com.x.none")
	})

	t.Run("disable persists", func(t *testing.T) {
		require.NoError(t, r.SetEnabled("com.x.a", false))
		assert.False(t, recordAt(t, r, "A.bundle").Enabled)

		flags, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"com.x.a": false}, flags)
	})

	t.Run("conflicted record stays disabled", func(t *testing.T) {
		require.NoError(t, r.SetEnabled("com.x.a", true))
		assert.True(t, recordAt(t, r, "A.bundle").Enabled)
		assert.False(t, recordAt(t, r, "B.bundle").Enabled)
	})

	t.Run("persistence failure keeps flag in memory", func(t *testing.T) {
		store.Err = errors.New("disk full")
		defer func() { store.Err = nil }()

		err := r.SetEnabled("com.x.a", false)
		errutil.AssertErrorCode(t, err, CodePersistenceFailed)
		assert.False(t, recordAt(t, r, "A.bundle").Enabled)
	})
}

func TestOpen_UnreadableStateDegradesToDefaults(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	statePath := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(statePath, []byte("disabled: {not: [a list"), 0o600))

	r, err := New(dir, WithStateStore(state.NewFileStore(statePath)))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Open(context.Background()))
	rec, ok := r.Lookup("com.x.a")
	require.True(t, ok)
	assert.True(t, rec.Enabled)
}

func TestUninstall(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))

	loc, err := r.Uninstall("com.x.a")
	require.NoError(t, err)
	assert.Equal(t, a, loc)
	assert.NoDirExists(t, a)
	assert.Empty(t, r.Snapshot())

	_, err = r.Uninstall("com.x.a")
	errutil.AssertErrorCode(t, err, CodeUnknownPlugin)
}

func TestReload_Reconciles(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	writeBundle(t, dir, "B.bundle", "com.x.b", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	idB := recordAt(t, r, "B.bundle").ID

	require.NoError(t, os.RemoveAll(a))
	writeBundle(t, dir, "C.bundle", "com.x.c", "1.0.0")
	require.NoError(t, r.Reload(context.Background()))

	assert.ElementsMatch(t, []string{"com.x.b@B.bundle", "com.x.c@C.bundle"}, identifiers(r.Snapshot()))
	assert.Equal(t, idB, recordAt(t, r, "B.bundle").ID, "unchanged bundles keep their record")
}

func TestReload_Canceled(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.Reload(ctx))
}

func TestHostVersionCompatibility(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Old.bundle")
	require.NoError(t, os.MkdirAll(path, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(path, "bundle.yaml"),
		[]byte("identifier: com.x.old\nversion: 1.0.0\nmax-host-version: 1.9.0\n"), 0o600))
	writeBundle(t, dir, "New.bundle", "com.x.new", "1.0.0")

	r, _ := newRegistry(t, dir, WithHostVersion("2.0.0"))
	require.NoError(t, r.Open(context.Background()))

	assert.False(t, recordAt(t, r, "Old.bundle").Compatible)
	assert.True(t, recordAt(t, r, "New.bundle").Compatible)
}

func TestMetrics_TrackRecords(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	writeBundle(t, dir, "B.bundle", "com.x.a", "1.0.0")

	m := observability.NewMetrics(prometheus.NewRegistry())
	r, _ := newRegistry(t, dir, WithMetrics(m))
	require.NoError(t, r.Open(context.Background()))

	assert.InDelta(t, 2, testutil.ToFloat64(m.Records), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConflictedRecords), 0)
}

func TestSubscribe(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, dir)
	ch := r.Subscribe()
	require.NoError(t, r.Open(context.Background()))
	assert.Equal(t, Change{Kind: ChangeReloaded}, <-ch)

	require.NoError(t, r.SetEnabled("com.x.a", false))
	assert.Equal(t, Change{Kind: ChangeEnabled, Identifier: "com.x.a", Location: a}, <-ch)

	b := writeBundle(t, dir, "B.bundle", "com.x.a", "1.0.0")
	r.applyAdded(b, false)
	assert.Equal(t, Change{Kind: ChangeAdded, Identifier: "com.x.a", Location: b}, <-ch)
	assert.Equal(t, Change{Kind: ChangeConflicts, Identifier: "com.x.a"}, <-ch)

	r.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	other := r.Subscribe()
	require.NoError(t, r.Close())
	_, open = <-other
	assert.False(t, open, "Close closes subscriptions")
}

func TestStart_Errors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Start(context.Background()))
	errutil.AssertErrorCode(t, r.Start(context.Background()), "ALREADY_STARTED")
	require.NoError(t, r.Close())

	errutil.AssertErrorCode(t, r.Start(context.Background()), CodeRegistryClosed)

	missing, _ := newRegistry(t, filepath.Join(dir, "absent"))
	errutil.AssertErrorCode(t, missing.Start(context.Background()), "WATCH_UNAVAILABLE")
	require.NoError(t, missing.Close())
}

// The /plugins walkthrough: add, overwrite, conflicting add, remove.
func TestStart_PluginsScenario(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	plugins := t.TempDir()
	staging := t.TempDir()
	r, _ := newRegistry(t, plugins)
	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Watching())

	writeBundle(t, plugins, "A.bundle", "com.x.a", "1.0.0")
	require.Eventually(t, func() bool { return len(r.Snapshot()) == 1 }, settle, poll)
	rec := r.Snapshot()[0]
	assert.Equal(t, "com.x.a", rec.BundleIdentifier)
	assert.True(t, rec.Enabled)
	assert.False(t, rec.Conflicted)

	v2 := writeBundle(t, staging, "A.bundle", "com.x.a", "2.0.0")
	results := r.Install(context.Background(), []string{v2})
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Replaced)
	require.Eventually(t, func() bool {
		s := r.Snapshot()
		return len(s) == 1 && s[0].BundleVersion == "2.0.0"
	}, settle, poll)
	assert.False(t, r.Snapshot()[0].Conflicted)

	b := writeBundle(t, plugins, "B.bundle", "com.x.a", "1.0.0")
	require.Eventually(t, func() bool { return len(r.Snapshot()) == 2 }, settle, poll)
	assert.False(t, recordAt(t, r, "A.bundle").Conflicted)
	assert.True(t, recordAt(t, r, "B.bundle").Conflicted)

	require.NoError(t, os.RemoveAll(b))
	require.Eventually(t, func() bool { return len(r.Snapshot()) == 1 }, settle, poll)
	assert.False(t, r.Snapshot()[0].Conflicted)
	assert.Equal(t, "2.0.0", r.Snapshot()[0].BundleVersion)

	require.NoError(t, r.Close())
}

func TestStart_RestartsLostWatcher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	plugins := filepath.Join(t.TempDir(), "plugins")
	require.NoError(t, os.Mkdir(plugins, 0o750))
	writeBundle(t, plugins, "A.bundle", "com.x.a", "1.0.0")

	m := observability.NewMetrics(prometheus.NewRegistry())
	r, _ := newRegistry(t, plugins, WithMetrics(m))
	require.NoError(t, r.Start(context.Background()))
	require.Len(t, r.Snapshot(), 1)

	require.NoError(t, os.RemoveAll(plugins))
	require.Eventually(t, func() bool { return len(r.Snapshot()) == 0 }, settle, poll)
	assert.InDelta(t, 1, testutil.ToFloat64(m.WatcherFailures), 0)

	// Recreate the directory in one step so the restart never sees it half built.
	next := filepath.Join(filepath.Dir(plugins), "next")
	require.NoError(t, os.Mkdir(next, 0o750))
	writeBundle(t, next, "B.bundle", "com.x.b", "1.0.0")
	require.NoError(t, os.Rename(next, plugins))
	require.Eventually(t, func() bool {
		_, ok := r.Lookup("com.x.b")
		return ok && r.Watching()
	}, settle, poll)
	assert.InDelta(t, 1, testutil.ToFloat64(m.WatcherRestarts), 0)

	// Watching again: new bundles are picked up.
	writeBundle(t, plugins, "C.bundle", "com.x.c", "1.0.0")
	require.Eventually(t, func() bool { _, ok := r.Lookup("com.x.c"); return ok }, settle, poll)

	require.NoError(t, r.Close())
}

func TestClose_Idempotent(t *testing.T) {
	r, _ := newRegistry(t, t.TempDir())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

// gatedReader blocks reads of one bundle until released, so a test can act
// while a scan is in progress.
type gatedReader struct {
	name    string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedReader(name string) *gatedReader {
	return &gatedReader{name: name, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedReader) read(path string) (*bundle.Info, error) {
	if filepath.Base(path) == g.name && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return bundle.Read(path)
}

func TestReload_KeepsWatcherChangesMadeDuringScan(t *testing.T) {
	dir := t.TempDir()
	old := writeBundle(t, dir, "Old.bundle", "com.x.old", "1.0.0")
	writeBundle(t, dir, "Slow.bundle", "com.x.slow", "1.0.0")
	age(t, old, 2*time.Hour)

	gate := newGatedReader("Slow.bundle")
	r, _ := newRegistry(t, dir, WithReader(gate.read))
	require.NoError(t, r.Open(context.Background()))
	require.Len(t, r.Snapshot(), 2)

	gate.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- r.Reload(context.Background()) }()
	<-gate.entered

	// The directory listing is done; the watcher reports an add and a removal.
	added := writeBundle(t, dir, "New.bundle", "com.x.new", "1.0.0")
	r.applyAdded(added, false)
	require.NoError(t, os.RemoveAll(old))
	r.applyRemoved(old)

	close(gate.release)
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"com.x.slow@Slow.bundle", "com.x.new@New.bundle"}, identifiers(r.Snapshot()))
}

func TestStart_KeepsBundleSettledDuringInitialScan(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	writeBundle(t, dir, "Slow.bundle", "com.x.slow", "1.0.0")
	slowRead := func(path string) (*bundle.Info, error) {
		if filepath.Base(path) == "Slow.bundle" {
			time.Sleep(600 * time.Millisecond)
		}
		return bundle.Read(path)
	}
	r, _ := newRegistry(t, dir, WithReader(slowRead))

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	writeBundle(t, dir, "New.bundle", "com.x.new", "1.0.0")

	require.NoError(t, <-started)
	require.Eventually(t, func() bool {
		_, ok := r.Lookup("com.x.new")
		return ok
	}, settle, poll, "New.bundle is on disk but missing from the registry")
	_, ok := r.Lookup("com.x.slow")
	assert.True(t, ok)

	require.NoError(t, r.Close())
}

func TestApplyAdded_FreshAddAtRecordedLocation(t *testing.T) {
	dir := t.TempDir()
	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	before := recordAt(t, r, "A.bundle")
	ch := r.Subscribe()

	// Same content: already recorded, nothing changes.
	r.applyAdded(a, false)
	assert.Equal(t, before.ID, recordAt(t, r, "A.bundle").ID)
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}

	// Different content: the disk wins and the record is replaced in place.
	writeBundle(t, dir, "A.bundle", "com.x.a", "2.0.0")
	r.applyAdded(a, false)
	after := recordAt(t, r, "A.bundle")
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, "2.0.0", after.BundleVersion)
	assert.Equal(t, before.seq, after.seq)
	assert.Equal(t, Change{Kind: ChangeReplaced, Identifier: "com.x.a", Location: a}, <-ch)
	assert.Len(t, r.Snapshot(), 1)
}

func TestApplyAdded_ReplacementOfDroppedRecordIsAnAdd(t *testing.T) {
	dir := t.TempDir()
	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	ch := r.Subscribe()

	a := writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	r.applyAdded(a, true)
	assert.Equal(t, Change{Kind: ChangeAdded, Identifier: "com.x.a", Location: a}, <-ch)
}

func TestCopyMetadata_FallsBackToShallowCopy(t *testing.T) {
	orig := deepCopy
	deepCopy = func(any) (any, error) { return nil, errors.New("cannot copy") }
	t.Cleanup(func() { deepCopy = orig })

	m := map[string]any{"identifier": "com.x.a"}
	got, err := copyMetadata(m)
	require.Error(t, err)
	assert.Equal(t, m, got)
	got["identifier"] = "changed"
	assert.Equal(t, "com.x.a", m["identifier"])

	dir := t.TempDir()
	writeBundle(t, dir, "A.bundle", "com.x.a", "1.0.0")
	r, _ := newRegistry(t, dir)
	require.NoError(t, r.Open(context.Background()))
	assert.Equal(t, "com.x.a", recordAt(t, r, "A.bundle").Metadata["identifier"])
}
