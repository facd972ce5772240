// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pathutil answers containment and identity questions about
// filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Canonical returns the absolute, cleaned, symlink-resolved form of path.
// When path does not exist, its longest existing ancestor is resolved and
// the missing tail re-joined, so a just-deleted entry still canonicalises
// against its resolved parent.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err //nolint:wrapcheck // callers add context
	}

	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		if !os.IsNotExist(err) {
			return "", err //nolint:wrapcheck // callers add context
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Nothing on the path exists; the cleaned absolute form is all we have.
			return abs, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

// IsChildOf reports whether path is a direct child of dir. The parent of
// path and dir are compared in canonical form; the final component of path
// is not resolved, so a symlink inside dir is a child of dir wherever it
// points.
func IsChildOf(path, dir string) bool {
	canonDir, err := Canonical(dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		// Filesystem root has no parent.
		return false
	}
	canonParent, err := Canonical(parent)
	if err != nil {
		return false
	}
	return equal(canonParent, canonDir)
}

// IsSameFileObject reports whether a and b name the same filesystem object
// after symlink resolution. When either side does not exist the canonical
// paths are compared instead.
func IsSameFileObject(a, b string) bool {
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA == nil && errB == nil {
		return os.SameFile(infoA, infoB)
	}
	if errA == nil || errB == nil {
		// One exists and the other does not: cannot be the same object.
		return false
	}
	canonA, err := Canonical(a)
	if err != nil {
		return false
	}
	canonB, err := Canonical(b)
	if err != nil {
		return false
	}
	return equal(canonA, canonB)
}

// IsHidden reports whether name is a dot-file.
func IsHidden(name string) bool {
	base := filepath.Base(name)
	return len(base) > 1 && base[0] == '.' && base != ".."
}

// equal compares canonical paths, folding case on filesystems that are
// case-insensitive by default.
func equal(a, b string) bool {
	if caseInsensitive() {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func caseInsensitive() bool {
	return runtime.GOOS == "darwin" || runtime.GOOS == "windows"
}
