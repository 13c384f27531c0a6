// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/stacklok/bankguard/pkg/certs"
	"github.com/stacklok/bankguard/pkg/config"
	"github.com/stacklok/bankguard/pkg/gateway"
	"github.com/stacklok/bankguard/pkg/logger"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

func newGatewayCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the mTLS gateway in front of the authorization server",
		Long: `Starts the mTLS gateway. Every request must present a client certificate that
chains to the configured root; when OCSP enforcement is on, the certificate must
also be reported good by the responder. Accepted requests are forwarded upstream
with the certificate thumbprint and common name in trusted headers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateGateway(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			log := g.logger(cmd)
			provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to create telemetry provider: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					log.Warn("failed to shut down telemetry", "error", err)
				}
			}()
			recorder, err := telemetry.NewRecorder(provider.MeterProvider(), provider.TracerProvider())
			if err != nil {
				return fmt.Errorf("failed to create telemetry recorder: %w", err)
			}

			handler, err := buildGateway(cfg, recorder, log)
			if err != nil {
				return err
			}
			tlsConfig, err := gateway.TLSConfig(cfg.Gateway.TLSCert, cfg.Gateway.TLSKey)
			if err != nil {
				return err
			}
			return gateway.Serve(ctx, cfg.Gateway.Address, tlsConfig, handler, log)
		},
	}

	cmd.Flags().String("address", "", "Address to bind the gateway to (overrides gateway.address)")
	cmd.Flags().String("upstream", "", "Authorization server URL (overrides gateway.upstream)")
	cmd.Flags().Bool("ocsp-enforce", false, "Reject certificates whose OCSP status is not good")
	bindFlag(g, cmd, "gateway.address", "address")
	bindFlag(g, cmd, "gateway.upstream", "upstream")
	bindFlag(g, cmd, "gateway.ocsp_enforce", "ocsp-enforce")

	return cmd
}

// buildGateway wires the gateway handler described by cfg.
func buildGateway(cfg *config.Config, recorder *telemetry.Recorder, log *slog.Logger) (*gateway.Gateway, error) {
	upstream, err := url.Parse(cfg.Gateway.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway upstream: %w", err)
	}
	root, err := certs.LoadRoot(cfg.Gateway.RootCA)
	if err != nil {
		return nil, err
	}

	gwCfg := gateway.Config{
		Upstream:  upstream,
		Validator: certs.NewValidator(root, logger.Component(log, "certs")),
		Headers:   headerNames(cfg),
		RateLimit: rate.Limit(cfg.Gateway.RateLimit),
		RateBurst: cfg.Gateway.RateBurst,
		Recorder:  recorder,
	}
	if cfg.Gateway.OCSPEnforce {
		requester, err := newRequester(cfg, recorder, log)
		if err != nil {
			return nil, err
		}
		gwCfg.Revocation = requester
	}
	return gateway.New(gwCfg, logger.Component(log, "gateway"))
}
