// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plugdir/internal/bundle"
	"github.com/holomush/plugdir/pkg/errutil"
)

// NewInstallCmd creates the install subcommand.
func NewInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install BUNDLE...",
		Short: "Copy or move bundles into the plugins directory",
		Long: `Install each bundle into the plugins directory. A bundle with the same
directory name is replaced unless --install-on-conflict=keep. Every bundle is
handled independently; the command fails if any of them failed.`,
		Args: cobra.MinimumNArgs(1),
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

			failed := 0
			for _, res := range reg.Install(cmd.Context(), args) {
				if res.Err != nil {
					failed++
					cmd.PrintErrf("%s: %s (%s)\n", bundle.DisplayName(res.Source), res.Err.Error(), errutil.Code(res.Err))
					continue
				}
				verb := "installed"
				if res.Replaced {
					verb = "replaced"
				}
				cmd.Printf("%s %s %s -> %s\n", verb, res.Identifier, res.Version, res.Destination)
				if res.Downgrade {
					cmd.Printf("  warning: %s is older than the bundle it replaced\n", res.Version)
				}
				if res.Conflict {
					cmd.Printf("  warning: %s is already installed elsewhere; this copy will be flagged as a conflict\n", res.Identifier)
				}
			}
			if failed > 0 {
				return oops.Errorf("%d of %d bundles failed to install", failed, len(args))
			}
			return nil
		},
	}
}
