// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/plugdir/internal/bundle"
	"github.com/holomush/plugdir/internal/pathutil"
	"github.com/holomush/plugdir/pkg/errutil"
)

// Install error codes.
const (
	CodeCopyFailed          = "COPY_FAILED"
	CodeDestinationConflict = "DESTINATION_CONFLICT"
)

// DefaultInstallConcurrency is how many bundles Install handles at once.
const DefaultInstallConcurrency = 4

// InstallMode selects how a source bundle reaches the plugins directory.
type InstallMode int

// Install modes.
const (
	ModeCopy InstallMode = iota
	ModeMove
)

func (m InstallMode) String() string {
	if m == ModeMove {
		return "move"
	}
	return "copy"
}

// ParseInstallMode parses "copy" or "move".
func ParseInstallMode(s string) (InstallMode, error) {
	switch strings.ToLower(s) {
	case "copy", "":
		return ModeCopy, nil
	case "move":
		return ModeMove, nil
	default:
		return ModeCopy, oops.Code("CONFIG_INVALID").With("install_mode", s).Errorf("install mode must be copy or move")
	}
}

// InstallPolicy decides what happens when the destination already exists.
type InstallPolicy int

// Install policies.
const (
	// ReplaceExisting swaps the existing bundle for the new one.
	ReplaceExisting InstallPolicy = iota
	// KeepExisting leaves the destination alone and reports a conflict.
	KeepExisting
)

func (p InstallPolicy) String() string {
	if p == KeepExisting {
		return "keep"
	}
	return "replace"
}

// ParseInstallPolicy parses "replace" or "keep".
func ParseInstallPolicy(s string) (InstallPolicy, error) {
	switch strings.ToLower(s) {
	case "replace", "":
		return ReplaceExisting, nil
	case "keep":
		return KeepExisting, nil
	default:
		return ReplaceExisting, oops.Code("CONFIG_INVALID").With("install_on_conflict", s).Errorf("install policy must be replace or keep")
	}
}

// InstallResult is the outcome for one source bundle.
type InstallResult struct {
	Source      string
	Destination string
	Identifier  string
	Version     string
	// Replaced is set when an existing bundle at Destination was swapped out.
	Replaced bool
	// Conflict is set when another location already holds Identifier; the
	// new bundle will be flagged as conflicted once it settles.
	Conflict bool
	// Downgrade is set when Replaced and the new version is older.
	Downgrade bool
	Err       error
}

// Install places each source bundle into the plugins directory. Items are
// independent: one failure never stops the others. Results are in source
// order. The registry itself updates when the watcher reports the change.
func (r *Registry) Install(ctx context.Context, sources []string) []InstallResult {
	results := make([]InstallResult, len(sources))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = r.installOne(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// InstallAsync runs Install in the background and delivers the results on
// the returned channel, which is then closed.
func (r *Registry) InstallAsync(ctx context.Context, sources []string) <-chan []InstallResult {
	ch := make(chan []InstallResult, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		results := make([]InstallResult, len(sources))
		for i, src := range sources {
			results[i] = InstallResult{
				Source: src,
				Err:    oops.Code(CodeRegistryClosed).With("source", src).Errorf("registry is closed"),
			}
		}
		ch <- results
		close(ch)
		return ch
	}
	r.installs.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.installs.Done()
		defer close(ch)
		ch <- r.Install(ctx, sources)
	}()
	return ch
}

func (r *Registry) installOne(ctx context.Context, src string) InstallResult {
	res := InstallResult{Source: src}
	res.Err = r.place(ctx, src, &res)

	outcome := "installed"
	switch {
	case res.Err != nil:
		outcome = strings.ToLower(errutil.Code(res.Err))
		if outcome == "" {
			outcome = "failed"
		}
		errutil.LogWarn(r.logger, "install failed", res.Err)
	case res.Replaced:
		outcome = "replaced"
	}
	r.metrics.Install(outcome)
	if res.Err == nil {
		r.logger.Info("bundle installed",
			"identifier", res.Identifier,
			"version", res.Version,
			"destination", res.Destination,
			"replaced", res.Replaced,
			"conflict", res.Conflict,
			"downgrade", res.Downgrade,
		)
	}
	return res
}

// place stages src next to its destination and renames it into place,
// filling res as it learns more.
func (r *Registry) place(ctx context.Context, src string, res *InstallResult) error {
	errb := oops.With("source", src)

	if err := ctx.Err(); err != nil {
		return errb.Code(CodeCopyFailed).Wrapf(err, "install canceled")
	}

	abs, err := filepath.Abs(src)
	if err != nil {
		return errb.Code(CodeCopyFailed).Wrapf(err, "resolve source")
	}
	info, err := r.read(abs)
	if err != nil {
		return errb.Code(bundle.CodeInvalidBundle).Wrap(err)
	}
	res.Identifier = info.Identifier
	res.Version = info.Version

	base := filepath.Base(abs)
	dest := filepath.Join(r.dir, base)
	res.Destination = dest
	errb = errb.With("destination", dest).With("identifier", info.Identifier)

	if r.w.Ignores(base) {
		return errb.Code(bundle.CodeInvalidBundle).Errorf("bundle name %q is ignored in the plugins directory", base)
	}
	if abs == dest || pathutil.IsSameFileObject(abs, dest) {
		return errb.Code(CodeDestinationConflict).Errorf("bundle is already at its destination")
	}

	_, statErr := os.Lstat(dest)
	exists := statErr == nil
	if exists && r.policy == KeepExisting {
		return errb.Code(CodeDestinationConflict).Errorf("destination exists")
	}
	if exists {
		if current, err := r.read(dest); err == nil && current.Identifier == info.Identifier {
			res.Downgrade = bundle.CompareVersions(info.Version, current.Version) < 0
		}
	}
	res.Conflict = r.heldElsewhere(info.Identifier, dest)

	stage := filepath.Join(r.dir, "."+base+".installing-"+ulid.Make().String())
	moved, err := r.transfer(abs, stage)
	if err != nil {
		_ = os.RemoveAll(stage)
		return errb.Code(CodeCopyFailed).Wrapf(err, "stage bundle")
	}
	undo := func() {
		if moved {
			_ = os.Rename(stage, abs)
			return
		}
		_ = os.RemoveAll(stage)
	}

	if exists {
		aside := filepath.Join(r.dir, "."+base+".replaced-"+ulid.Make().String())
		if err := os.Rename(dest, aside); err != nil {
			undo()
			return errb.Code(CodeCopyFailed).Wrapf(err, "move existing bundle aside")
		}
		if err := os.Rename(stage, dest); err != nil {
			_ = os.Rename(aside, dest)
			undo()
			return errb.Code(CodeCopyFailed).Wrapf(err, "rename bundle into place")
		}
		if err := os.RemoveAll(aside); err != nil {
			errutil.LogWarn(r.logger, "replaced bundle left behind",
				errb.With("aside", aside).Wrapf(err, "remove replaced bundle"))
		}
		res.Replaced = true
	} else if err := os.Rename(stage, dest); err != nil {
		undo()
		return errb.Code(CodeCopyFailed).Wrapf(err, "rename bundle into place")
	}

	if r.mode == ModeMove && !moved {
		// Copied across devices; finish the move by removing the source.
		if err := os.RemoveAll(abs); err != nil {
			errutil.LogWarn(r.logger, "source left behind after move", errb.Wrapf(err, "remove source"))
		}
	}
	return nil
}

// transfer puts src at stage. It reports whether src was renamed rather
// than copied.
func (r *Registry) transfer(src, stage string) (bool, error) {
	if r.mode == ModeMove {
		if err := os.Rename(src, stage); err == nil {
			return true, nil
		}
	}
	return false, copyTree(src, stage)
}

// heldElsewhere reports whether a record other than the one at dest has
// identifier.
func (r *Registry) heldElsewhere(identifier, dest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.BundleIdentifier == identifier && rec.Location != dest {
			return true
		}
	}
	return false
}
