// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(g *globals) *cobra.Command {
	var gatewayOnly, serverOnly bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Loads the configuration from the file and environment and reports every
problem found. The policy catalog is loaded as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}

			var errs []error
			if !gatewayOnly {
				errs = append(errs, cfg.Validate())
				if _, err := loadCatalog(cfg); err != nil {
					errs = append(errs, err)
				}
			}
			if !serverOnly {
				errs = append(errs, cfg.ValidateGateway())
			}
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&gatewayOnly, "gateway", false, "Validate only the gateway settings")
	cmd.Flags().BoolVar(&serverOnly, "server", false, "Validate only the authorization server settings")
	cmd.MarkFlagsMutuallyExclusive("gateway", "server")

	return cmd
}
