// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewEnableCmd creates the enable subcommand.
func NewEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable IDENTIFIER",
		Short: "Enable a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(cmd, args[0], true)
		},
	}
}

// NewDisableCmd creates the disable subcommand.
func NewDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable IDENTIFIER",
		Short: "Disable a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(cmd, args[0], false)
		},
	}
}

func setEnabled(cmd *cobra.Command, identifier string, enabled bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := openRegistry(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	if err := reg.SetEnabled(identifier, enabled); err != nil {
		return err
	}
	label := "disabled"
	if enabled {
		label = "enabled"
	}
	cmd.Printf("%s %s\n", label, identifier)
	return nil
}
