// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the bankguard command-line application.
package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/bankguard/pkg/config"
	"github.com/stacklok/bankguard/pkg/logger"
)

// globals holds state shared by every subcommand of one invocation.
type globals struct {
	v          *viper.Viper
	configPath string
	debug      bool
}

func (g *globals) load() (*config.Config, error) {
	return config.Load(g.v, g.configPath)
}

func (g *globals) logger(cmd *cobra.Command) *slog.Logger {
	return logger.New(logger.Options{Debug: g.debug, Output: cmd.ErrOrStderr()}, nil)
}

// NewRootCmd creates a new root command for the bankguard CLI.
func NewRootCmd() *cobra.Command {
	g := &globals{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:               "bankguard",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "bankguard enforces open banking API security policies",
		Long: `bankguard protects open banking endpoints. It runs an OAuth2 resource server
that enforces per-route policies (scope, holder-of-key binding and live token
status) and an mTLS gateway that validates client certificates against a pinned
root and, optionally, their OCSP status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "",
		"Path to the configuration file (defaults to $XDG_CONFIG_HOME/bankguard/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug mode")

	rootCmd.AddCommand(newServeCmd(g))
	rootCmd.AddCommand(newGatewayCmd(g))
	rootCmd.AddCommand(newOCSPCmd(g))
	rootCmd.AddCommand(newPoliciesCmd(g))
	rootCmd.AddCommand(newValidateCmd(g))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlag binds a command flag to a configuration key so the flag wins over
// the file and the environment when set.
func bindFlag(g *globals, cmd *cobra.Command, key, flag string) {
	if err := g.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}
