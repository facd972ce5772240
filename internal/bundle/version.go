// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package bundle

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// CompareVersions orders two bundle version strings. Both are compared as
// semantic versions when they parse; otherwise the comparison is lexical.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// Compatible reports whether the manifest's host version bounds admit
// hostVersion. An empty hostVersion, or a manifest without bounds, is always
// compatible.
func (m Manifest) Compatible(hostVersion string) (bool, error) {
	if hostVersion == "" || (m.MinHostVersion == "" && m.MaxHostVersion == "") {
		return true, nil
	}

	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return false, oops.With("host_version", hostVersion).Wrapf(err, "parse host version")
	}

	var bounds []string
	if m.MinHostVersion != "" {
		bounds = append(bounds, ">= "+m.MinHostVersion)
	}
	if m.MaxHostVersion != "" {
		bounds = append(bounds, "<= "+m.MaxHostVersion)
	}
	c, err := semver.NewConstraint(strings.Join(bounds, ", "))
	if err != nil {
		return false, oops.Code(CodeInvalidBundle).
			With("identifier", m.Identifier).
			Wrapf(err, "parse host version bounds")
	}
	return c.Check(host), nil
}
