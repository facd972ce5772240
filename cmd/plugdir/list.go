// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plugdir/internal/config"
	"github.com/holomush/plugdir/internal/registry"
)

// NewListCmd creates the list subcommand.
func NewListCmd() *cobra.Command {
	var (
		output        string
		conflictsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed bundles",
		Long: `List the bundles in the plugins directory in the order they were added.
Bundles that share an identifier with an older bundle are marked as conflicts
and are never enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			records := reg.Snapshot()
			if conflictsOnly {
				records = filterConflicts(records)
			}
			switch output {
			case "table":
				return writeTable(cmd.OutOrStdout(), records)
			case "json":
				return writeJSON(cmd.OutOrStdout(), records)
			default:
				return oops.Code(config.CodeConfigInvalid).With("output", output).Errorf("output must be table or json")
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table or json)")
	cmd.Flags().BoolVar(&conflictsOnly, "conflicts", false, "show only conflicted bundles")
	return cmd
}

func filterConflicts(records []registry.Record) []registry.Record {
	var out []registry.Record
	for _, rec := range records {
		if rec.Conflicted {
			out = append(out, rec)
		}
	}
	return out
}

func writeTable(w io.Writer, records []registry.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tIDENTIFIER\tVERSION\tSTATE\tLOCATION")
	for _, rec := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.Name, rec.BundleIdentifier, rec.BundleVersion, stateLabel(rec), rec.Location)
	}
	if err := tw.Flush(); err != nil {
		return oops.Wrapf(err, "write table")
	}
	return nil
}

func stateLabel(rec registry.Record) string {
	switch {
	case rec.Conflicted:
		return "conflict"
	case !rec.Compatible:
		return "incompatible"
	case rec.Enabled:
		return "enabled"
	default:
		return "disabled"
	}
}

// listEntry is the JSON form of a record.
type listEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
	Location   string `json:"location"`
	Enabled    bool   `json:"enabled"`
	Conflicted bool   `json:"conflicted"`
	Compatible bool   `json:"compatible"`
	AddedAt    string `json:"added_at"`
}

func writeJSON(w io.Writer, records []registry.Record) error {
	entries := make([]listEntry, len(records))
	for i, rec := range records {
		entries[i] = listEntry{
			ID:         rec.ID.String(),
			Name:       rec.Name,
			Identifier: rec.BundleIdentifier,
			Version:    rec.BundleVersion,
			Location:   rec.Location,
			Enabled:    rec.Enabled,
			Conflicted: rec.Conflicted,
			Compatible: rec.Compatible,
			AddedAt:    rec.AddedAt.UTC().Format(time.RFC3339),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return oops.Wrapf(err, "encode records")
	}
	return nil
}
