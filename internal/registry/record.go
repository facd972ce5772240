// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"maps"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/plugdir/internal/bundle"
)

// Record describes one bundle found in the plugins directory.
//
// A record's metadata is fixed when the record is created. When the bundle
// on disk changes the registry creates a new record in the same position.
type Record struct {
	ID               ulid.ULID
	Location         string
	BundleIdentifier string
	BundleVersion    string
	Name             string
	Metadata         map[string]any
	// Enabled is the effective flag: the persisted preference for the
	// authoritative record, always false for a conflicted one.
	Enabled    bool
	Conflicted bool
	// Compatible is false when the bundle declares host version bounds that
	// exclude the configured host version.
	Compatible bool
	AddedAt    time.Time

	seq uint64
	// gen is the registry generation at which the record was last written.
	gen uint64
}

func newRecord(info *bundle.Info, location string, seq uint64, now time.Time, compatible bool, metadata map[string]any) *Record {
	return &Record{
		ID:               ulid.Make(),
		Location:         location,
		BundleIdentifier: info.Identifier,
		BundleVersion:    info.Version,
		Name:             info.Name,
		Metadata:         metadata,
		Enabled:          true,
		Compatible:       compatible,
		AddedAt:          now,
		seq:              seq,
	}
}

// sameContent reports whether info describes what r already holds.
func (r *Record) sameContent(info *bundle.Info) bool {
	return r.BundleIdentifier == info.Identifier &&
		r.BundleVersion == info.Version &&
		r.Name == info.Name
}

// clone returns a copy that shares nothing with r.
func (r *Record) clone() Record {
	c := *r
	c.Metadata, _ = copyMetadata(r.Metadata)
	return c
}

// deepCopy is replaced in tests.
var deepCopy = copystructure.Copy

// copyMetadata deep-copies m. If the deep copy fails it returns a shallow
// copy along with the error, so callers always get a usable map.
func copyMetadata(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	dup, err := deepCopy(m)
	if err != nil {
		return maps.Clone(m), oops.Wrapf(err, "copy bundle metadata")
	}
	out, ok := dup.(map[string]any)
	if !ok {
		return maps.Clone(m), oops.Errorf("copy bundle metadata: unexpected %T", dup)
	}
	return out, nil
}
