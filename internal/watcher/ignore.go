// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

import (
	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/plugdir/internal/pathutil"
)

// DefaultIgnorePatterns match editor backups and partial downloads.
var DefaultIgnorePatterns = []string{
	"*~",
	"*.tmp",
	"*.part",
	"*.download",
	"*.crdownload",
	"Icon\r",
}

// ignoreMatcher decides which top-level names are never reported.
// Hidden names are always ignored; patterns add to that.
type ignoreMatcher struct {
	globs []glob.Glob
}

func newIgnoreMatcher(patterns []string) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, oops.With("pattern", p).Wrapf(err, "compile ignore pattern")
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *ignoreMatcher) match(name string) bool {
	if pathutil.IsHidden(name) {
		return true
	}
	for _, g := range m.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
