// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holomush/plugdir/internal/state"
	"github.com/holomush/plugdir/internal/watcher"
)

const (
	quiet   = 50 * time.Millisecond
	settle  = 3 * time.Second
	poll    = 10 * time.Millisecond
)

// writeBundle creates name under dir with a Contents/bundle.yaml manifest.
func writeBundle(t *testing.T, dir, name, identifier, version string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Join(path, "Contents"), 0o750))
	manifest := fmt.Sprintf("identifier: %s\nversion: %s\nname: %s\n",
		identifier, version, strings.TrimSuffix(name, filepath.Ext(name)))
	require.NoError(t, os.WriteFile(filepath.Join(path, "Contents", "bundle.yaml"), []byte(manifest), 0o600))
	return path
}

// age sets path's modification time to now minus d.
func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	when := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, when, when))
}

func newRegistry(t *testing.T, dir string, opts ...Option) (*Registry, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore(nil)
	base := []Option{
		WithStateStore(store),
		WithWatcherOptions(watcher.WithQuiescence(quiet)),
		WithRestartBackoff(20*time.Millisecond, 100*time.Millisecond),
	}
	r, err := New(dir, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, store
}

func identifiers(records []Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.BundleIdentifier + "@" + filepath.Base(rec.Location)
	}
	return out
}

func recordAt(t *testing.T, r *Registry, name string) Record {
	t.Helper()
	for _, rec := range r.Snapshot() {
		if filepath.Base(rec.Location) == name {
			return rec
		}
	}
	t.Fatalf("no record at %s", name)
	return Record{}
}
