// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// copyTree copies the tree at src to dst, which must not exist. Regular
// files, directories and symlinks are copied; permissions and file
// modification times are kept. A symlinked src is copied as its target.
func copyTree(src, dst string) error {
	src, err := filepath.EvalSymlinks(src)
	if err != nil {
		return oops.With("path", src).Wrapf(err, "resolve source")
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return oops.With("path", path).Wrapf(err, "relative path")
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return oops.With("path", path).Wrapf(err, "stat")
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()|0o700); err != nil {
				return oops.With("path", target).Wrapf(err, "create directory")
			}
			return nil
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return oops.With("path", path).Wrapf(err, "read symlink")
			}
			if err := os.Symlink(link, target); err != nil {
				return oops.With("path", target).Wrapf(err, "create symlink")
			}
			return nil
		case info.Mode().IsRegular():
			return copyFile(path, target, info)
		default:
			// Sockets, devices and pipes have no place in a bundle.
			return nil
		}
	})
}

func copyFile(src, dst string, info fs.FileInfo) (err error) {
	in, err := os.Open(src) //nolint:gosec // src comes from walking the source bundle
	if err != nil {
		return oops.With("path", src).Wrapf(err, "open")
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm()) //nolint:gosec // dst is under the staging directory
	if err != nil {
		return oops.With("path", dst).Wrapf(err, "create")
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = oops.With("path", dst).Wrapf(cerr, "close")
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return oops.With("path", dst).Wrapf(err, "copy")
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return oops.With("path", dst).Wrapf(err, "set times")
	}
	return nil
}
