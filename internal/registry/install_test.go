// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/plugdir/internal/bundle"
	"github.com/holomush/plugdir/internal/observability"
	"github.com/holomush/plugdir/pkg/errutil"
)

func readManifestVersion(t *testing.T, path string) string {
	t.Helper()
	info, err := bundle.Read(path)
	require.NoError(t, err)
	return info.Version
}

func TestInstall_PerItemResults(t *testing.T) {
	plugins := t.TempDir()
	src := t.TempDir()
	a := writeBundle(t, src, "A.bundle", "com.x.a", "1.0.0")
	b := writeBundle(t, src, "B.bundle", "com.x.b", "1.0.0")
	bad := filepath.Join(src, "Bad.bundle")
	require.NoError(t, os.Mkdir(bad, 0o750))

	m := observability.NewMetrics(prometheus.NewRegistry())
	r, _ := newRegistry(t, plugins, WithMetrics(m))
	results := r.Install(context.Background(), []string{a, bad, b})
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, filepath.Join(plugins, "A.bundle"), results[0].Destination)
	assert.Equal(t, "com.x.a", results[0].Identifier)
	assert.False(t, results[0].Replaced)

	errutil.AssertErrorCode(t, results[1].Err, bundle.CodeInvalidBundle)
	assert.Equal(t, bad, results[1].Source)

	assert.NoError(t, results[2].Err)
	assert.DirExists(t, filepath.Join(plugins, "B.bundle"))
	assert.DirExists(t, a, "copy mode keeps the source")

	entries, err := os.ReadDir(plugins)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no staging leftovers")

	assert.InDelta(t, 2, testutil.ToFloat64(m.InstallsTotal.WithLabelValues("installed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.InstallsTotal.WithLabelValues("invalid_bundle")), 0)
}

func TestInstall_ReplaceExisting(t *testing.T) {
	plugins := t.TempDir()
	writeBundle(t, plugins, "A.bundle", "com.x.a", "2.0.0")
	older := writeBundle(t, t.TempDir(), "A.bundle", "com.x.a", "1.5.0")

	r, _ := newRegistry(t, plugins)
	res := r.Install(context.Background(), []string{older})[0]

	require.NoError(t, res.Err)
	assert.True(t, res.Replaced)
	assert.True(t, res.Downgrade)
	assert.Equal(t, "1.5.0", readManifestVersion(t, filepath.Join(plugins, "A.bundle")))

	entries, err := os.ReadDir(plugins)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the replaced bundle is removed")
}

func TestInstall_KeepExisting(t *testing.T) {
	plugins := t.TempDir()
	writeBundle(t, plugins, "A.bundle", "com.x.a", "1.0.0")
	newer := writeBundle(t, t.TempDir(), "A.bundle", "com.x.a", "2.0.0")

	r, _ := newRegistry(t, plugins, WithInstallPolicy(KeepExisting))
	res := r.Install(context.Background(), []string{newer})[0]

	errutil.AssertErrorCode(t, res.Err, CodeDestinationConflict)
	assert.Equal(t, "1.0.0", readManifestVersion(t, filepath.Join(plugins, "A.bundle")))
}

func TestInstall_SourceIsDestination(t *testing.T) {
	plugins := t.TempDir()
	a := writeBundle(t, plugins, "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, plugins)
	res := r.Install(context.Background(), []string{a})[0]

	errutil.AssertErrorCode(t, res.Err, CodeDestinationConflict)
	assert.DirExists(t, a)
}

func TestInstall_IgnoredName(t *testing.T) {
	src := writeBundle(t, t.TempDir(), "A.bundle.part", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, t.TempDir())
	res := r.Install(context.Background(), []string{src})[0]
	errutil.AssertErrorCode(t, res.Err, bundle.CodeInvalidBundle)
}

func TestInstall_FlagsIdentifierHeldElsewhere(t *testing.T) {
	plugins := t.TempDir()
	writeBundle(t, plugins, "A.bundle", "com.x.a", "1.0.0")
	other := writeBundle(t, t.TempDir(), "Other.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, plugins)
	require.NoError(t, r.Open(context.Background()))

	res := r.Install(context.Background(), []string{other})[0]
	require.NoError(t, res.Err)
	assert.True(t, res.Conflict)
}

func TestInstall_MoveMode(t *testing.T) {
	plugins := t.TempDir()
	src := writeBundle(t, t.TempDir(), "A.bundle", "com.x.a", "1.0.0")

	r, _ := newRegistry(t, plugins, WithInstallMode(ModeMove))
	res := r.Install(context.Background(), []string{src})[0]

	require.NoError(t, res.Err)
	assert.NoDirExists(t, src)
	assert.FileExists(t, filepath.Join(plugins, "A.bundle", "Contents", "bundle.yaml"))
}

func TestInstall_CanceledContext(t *testing.T) {
	src := writeBundle(t, t.TempDir(), "A.bundle", "com.x.a", "1.0.0")
	r, _ := newRegistry(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Install(ctx, []string{src})[0]
	errutil.AssertErrorCode(t, res.Err, CodeCopyFailed)
}

func TestInstall_MissingPluginsDir(t *testing.T) {
	src := writeBundle(t, t.TempDir(), "A.bundle", "com.x.a", "1.0.0")
	r, _ := newRegistry(t, filepath.Join(t.TempDir(), "absent"))

	res := r.Install(context.Background(), []string{src})[0]
	errutil.AssertErrorCode(t, res.Err, CodeCopyFailed)
}

func TestInstallAsync(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	plugins := t.TempDir()
	src := writeBundle(t, t.TempDir(), "A.bundle", "com.x.a", "1.0.0")
	r, _ := newRegistry(t, plugins, WithInstallConcurrency(2))
	require.NoError(t, r.Start(context.Background()))

	results := <-r.InstallAsync(context.Background(), []string{src})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	require.Eventually(t, func() bool { _, ok := r.Lookup("com.x.a"); return ok }, settle, poll)
	require.NoError(t, r.Close())

	closed := <-r.InstallAsync(context.Background(), []string{src})
	errutil.AssertErrorCode(t, closed[0].Err, CodeRegistryClosed)
}

func TestParseInstallMode(t *testing.T) {
	m, err := ParseInstallMode("MOVE")
	require.NoError(t, err)
	assert.Equal(t, ModeMove, m)
	assert.Equal(t, "move", m.String())

	m, err = ParseInstallMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCopy, m)
	assert.Equal(t, "copy", m.String())

	_, err = ParseInstallMode("link")
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestParseInstallPolicy(t *testing.T) {
	p, err := ParseInstallPolicy("keep")
	require.NoError(t, err)
	assert.Equal(t, KeepExisting, p)
	assert.Equal(t, "keep", p.String())

	p, err = ParseInstallPolicy("replace")
	require.NoError(t, err)
	assert.Equal(t, ReplaceExisting, p)
	assert.Equal(t, "replace", p.String())

	_, err = ParseInstallPolicy("merge")
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}
