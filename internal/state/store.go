// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package state persists per-plugin enable/disable flags.
package state

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Store loads and saves enabled flags keyed by bundle identifier.
// Identifiers absent from the map are enabled.
type Store interface {
	Load() (map[string]bool, error)
	Save(flags map[string]bool) error
}

// document is the on-disk layout: only disabled identifiers are written.
type document struct {
	Disabled []string `yaml:"disabled"`
}

// FileStore keeps flags in a YAML file, replaced atomically on every save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the flags file. A missing file loads as empty.
func (s *FileStore) Load() (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := make(map[string]bool)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return flags, nil
		}
		return nil, oops.With("path", s.path).Wrapf(err, "read state file")
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.With("path", s.path).Wrapf(err, "parse state file")
	}
	for _, id := range doc.Disabled {
		flags[id] = false
	}
	return flags, nil
}

// Save writes the disabled identifiers to a temp file beside the target and
// renames it into place.
func (s *FileStore) Save(flags map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	for _, id := range slices.Sorted(maps.Keys(flags)) {
		if !flags[id] {
			doc.Disabled = append(doc.Disabled, id)
		}
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return oops.Wrapf(err, "encode state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.With("path", s.path).Wrapf(err, "create state directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return oops.With("path", s.path).Wrapf(err, "create temp state file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return oops.With("path", s.path).Wrapf(err, "write state file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return oops.With("path", s.path).Wrapf(err, "sync state file")
	}
	if err := tmp.Close(); err != nil {
		return oops.With("path", s.path).Wrapf(err, "close state file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return oops.With("path", s.path).Wrapf(err, "replace state file")
	}
	return nil
}

// MemoryStore keeps flags in memory only.
type MemoryStore struct {
	mu    sync.Mutex
	flags map[string]bool
	// Err, when set, is returned by Save.
	Err error
}

// NewMemoryStore returns a store seeded with flags.
func NewMemoryStore(flags map[string]bool) *MemoryStore {
	return &MemoryStore{flags: maps.Clone(flags)}
}

// Load returns a copy of the stored flags.
func (s *MemoryStore) Load() (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := maps.Clone(s.flags)
	if out == nil {
		out = make(map[string]bool)
	}
	return out, nil
}

// Save replaces the stored flags unless Err is set.
func (s *MemoryStore) Save(flags map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.flags = maps.Clone(flags)
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
