// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewUninstallCmd creates the uninstall subcommand.
func NewUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall IDENTIFIER",
		Short: "Delete a bundle from the plugins directory",
		Long: `Delete the bundle that currently holds IDENTIFIER. If another bundle
shares the identifier it becomes the active one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			location, err := reg.Uninstall(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("removed %s (%s)\n", args[0], location)
			return nil
		},
	}
}
