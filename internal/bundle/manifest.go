// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package bundle reads plugin bundle metadata.
//
// A bundle is a directory carrying a manifest (bundle.yaml, bundle.yml or
// bundle.json) either at its root or under Contents/. The manifest names the
// bundle identifier, version and display name; any other keys are kept in the
// raw metadata map.
package bundle

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// CodeInvalidBundle marks errors for bundles whose metadata cannot be read.
const CodeInvalidBundle = "INVALID_BUNDLE"

// manifestNames lists manifest locations relative to the bundle root, in
// lookup order.
var manifestNames = []string{
	"bundle.yaml",
	"bundle.yml",
	"bundle.json",
	filepath.Join("Contents", "bundle.yaml"),
	filepath.Join("Contents", "bundle.yml"),
	filepath.Join("Contents", "bundle.json"),
}

// stringKeys are decoded as strings even when YAML would read them as numbers
// (version: 1.10 must stay "1.10").
var stringKeys = map[string]bool{
	"identifier":       true,
	"version":          true,
	"name":             true,
	"min-host-version": true,
	"max-host-version": true,
}

// Manifest is the typed view of a bundle manifest.
type Manifest struct {
	Identifier     string   `yaml:"identifier" jsonschema:"pattern=^[A-Za-z0-9][A-Za-z0-9_-]*([.][A-Za-z0-9][A-Za-z0-9_-]*)+$,maxLength=255"`
	Version        string   `yaml:"version" jsonschema:"minLength=1,maxLength=64"`
	Name           string   `yaml:"name,omitempty" jsonschema:"maxLength=128"`
	Description    string   `yaml:"description,omitempty"`
	MinHostVersion string   `yaml:"min-host-version,omitempty"`
	MaxHostVersion string   `yaml:"max-host-version,omitempty"`
	Targets        []string `yaml:"targets,omitempty"`
}

// Info is the metadata extracted from one bundle.
type Info struct {
	Path       string
	Identifier string
	Version    string
	Name       string
	Manifest   Manifest
	// Metadata is the raw manifest document.
	Metadata map[string]any
}

// Reader extracts bundle metadata from a bundle path.
type Reader func(path string) (*Info, error)

// Read locates, validates and decodes the manifest of the bundle at path.
func Read(path string) (*Info, error) {
	errb := oops.Code(CodeInvalidBundle).With("path", path)

	st, err := os.Stat(path)
	if err != nil {
		return nil, errb.Wrapf(err, "stat bundle")
	}
	if !st.IsDir() {
		return nil, errb.Errorf("not a bundle directory")
	}

	manifestPath, data, err := findManifest(path)
	if err != nil {
		return nil, errb.Wrap(err)
	}
	errb = errb.With("manifest", manifestPath)

	info, err := Parse(data)
	if err != nil {
		return nil, errb.Wrap(err)
	}
	info.Path = path
	if info.Name == "" {
		info.Name = DisplayName(path)
	}
	return info, nil
}

// Parse validates and decodes manifest bytes. The returned Info has no Path
// and, when the manifest omits it, no Name.
func Parse(data []byte) (*Info, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeInvalidBundle).Errorf("manifest data is empty")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code(CodeInvalidBundle).Wrapf(err, "invalid YAML")
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, oops.Code(CodeInvalidBundle).Errorf("manifest must be a mapping")
	}
	coerceStrings(root)

	var raw map[string]any
	if err := root.Decode(&raw); err != nil {
		return nil, oops.Code(CodeInvalidBundle).Wrapf(err, "decode manifest")
	}
	normalized, _ := convertToJSONTypes(raw).(map[string]any)

	if err := validateDocument(normalized); err != nil {
		return nil, oops.Code(CodeInvalidBundle).Wrap(err)
	}

	var m Manifest
	if err := root.Decode(&m); err != nil {
		return nil, oops.Code(CodeInvalidBundle).Wrapf(err, "decode manifest")
	}

	return &Info{
		Identifier: m.Identifier,
		Version:    m.Version,
		Name:       m.Name,
		Manifest:   m,
		Metadata:   normalized,
	}, nil
}

// DisplayName derives a display name from a bundle path: the base name with
// its extension removed.
func DisplayName(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func findManifest(dir string) (string, []byte, error) {
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p) //nolint:gosec // p is built from a fixed list under the bundle root
		if err == nil {
			return p, data, nil
		}
		if !os.IsNotExist(err) {
			return p, nil, oops.With("manifest", p).Wrapf(err, "read manifest")
		}
	}
	return "", nil, oops.Errorf("no manifest found (looked for %s)", strings.Join(manifestNames, ", "))
}

func coerceStrings(mapping *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, val := mapping.Content[i], mapping.Content[i+1]
		if stringKeys[key.Value] && val.Kind == yaml.ScalarNode && val.Tag != "!!null" {
			val.Tag = "!!str"
		}
	}
}
