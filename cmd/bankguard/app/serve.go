// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/bankguard/pkg/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the policy-enforcing authorization server",
		Long: `Starts the authorization server. Every protected route is guarded by a named
policy from the catalog; requests failing the policy are rejected with an
OAuth2 error before they reach the handler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Ensure server is shutdown gracefully on Ctrl+C or SIGTERM.
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			log := g.logger(cmd)
			c, err := buildServer(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := c.close(shutdownCtx); err != nil {
					log.Warn("failed to release resources", "error", err)
				}
			}()

			return server.Serve(ctx, c.server, log)
		},
	}

	cmd.Flags().String("address", "", "Address to bind the server to (overrides server.address)")
	cmd.Flags().String("issuer", "", "Expected token issuer (overrides server.issuer)")
	cmd.Flags().String("policies", "", "Policy catalog file (overrides server.policies_file)")
	bindFlag(g, cmd, "server.address", "address")
	bindFlag(g, cmd, "server.issuer", "issuer")
	bindFlag(g, cmd, "server.policies_file", "policies")

	return cmd
}
