// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plugdir/internal/bundle"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [BUNDLE...]",
		Short: "Print the bundle manifest schema, or check bundles against it",
		Long: `Without arguments, print the JSON Schema for bundle manifests. With
bundle paths, read each bundle's manifest and report whether it is valid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				schema, err := bundle.GenerateSchema()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
				return err
			}

			invalid := 0
			for _, path := range args {
				info, err := bundle.Read(path)
				if err != nil {
					invalid++
					cmd.PrintErrf("%s: %s\n", path, bundle.FormatSchemaError(err))
					continue
				}
				cmd.Printf("%s: ok (%s %s)\n", path, info.Identifier, info.Version)
			}
			if invalid > 0 {
				return oops.Code(bundle.CodeInvalidBundle).Errorf("%d of %d bundles are invalid", invalid, len(args))
			}
			return nil
		},
	}
}
