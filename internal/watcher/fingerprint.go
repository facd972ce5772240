// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
)

// fingerprint summarises an entry's tree. Two equal fingerprints taken a
// quiescence interval apart mean nothing was written in between.
type fingerprint struct {
	entries  int
	size     int64
	newestNs int64
}

// takeFingerprint walks path without following symlinks. ok is false when
// path no longer exists.
func takeFingerprint(path string) (fingerprint, bool) {
	var fp fingerprint
	root, err := os.Lstat(path)
	if err != nil {
		return fp, false
	}
	if !root.IsDir() {
		fp.add(root)
		return fp, true
	}

	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries vanishing mid-walk are normal during a copy; count the
			// error so the fingerprint changes and the entry stays in flight.
			fp.entries--
			return nil
		}
		info, err := d.Info()
		if err != nil {
			fp.entries--
			return nil
		}
		fp.add(info)
		return nil
	})
	return fp, true
}

func (fp *fingerprint) add(info fs.FileInfo) {
	fp.entries++
	if info.Mode().IsRegular() {
		fp.size += info.Size()
	}
	if ns := info.ModTime().UnixNano(); ns > fp.newestNs {
		fp.newestNs = ns
	}
}
