// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/authz"
	"github.com/stacklok/bankguard/pkg/cache"
	"github.com/stacklok/bankguard/pkg/config"
	"github.com/stacklok/bankguard/pkg/grants"
	"github.com/stacklok/bankguard/pkg/logger"
	"github.com/stacklok/bankguard/pkg/ocsp"
	"github.com/stacklok/bankguard/pkg/policy"
	"github.com/stacklok/bankguard/pkg/server"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// realm is sent in every WWW-Authenticate challenge.
const realm = "bankguard"

// loadCatalog returns the catalog from the policies file, or the built-in
// catalog when none is configured. The catalog must define every policy the
// server routes reference.
func loadCatalog(cfg *config.Config) (*policy.Catalog, error) {
	if cfg.Server.PoliciesFile == "" {
		return policy.DefaultCatalog(), nil
	}
	catalog, err := policy.LoadFile(cfg.Server.PoliciesFile)
	if err != nil {
		return nil, err
	}
	if err := catalog.CheckDefined(server.RoutePolicies()...); err != nil {
		return nil, fmt.Errorf("policy file %s is incomplete: %w", cfg.Server.PoliciesFile, err)
	}
	return catalog, nil
}

func needsIntrospection(catalog *policy.Catalog) bool {
	for _, name := range catalog.Names() {
		if p, ok := catalog.Lookup(name); ok && p.LiveTokenCheck {
			return true
		}
	}
	return false
}

func headerNames(cfg *config.Config) auth.HeaderNames {
	return auth.HeaderNames{
		Thumbprint:    cfg.Server.ClientCertThumbprintHeader,
		CommonName:    cfg.Server.ClientCertCNHeader,
		ForwardedHost: auth.DefaultForwardedHostHeader,
	}
}

func issuerResolver(cfg *config.Config) auth.IssuerResolver {
	if cfg.Server.IssuerFromForwardedHost {
		return auth.ForwardedHostIssuer{
			Header:   auth.DefaultForwardedHostHeader,
			BasePath: cfg.Server.BasePath,
			Fallback: cfg.Server.Issuer,
		}
	}
	return auth.StaticIssuer(cfg.Server.Issuer)
}

// components owns everything the serve command builds. close releases them
// in reverse order.
type components struct {
	server  server.Config
	closers []func(context.Context) error
}

func (c *components) close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildServer wires the authorization server described by cfg.
func buildServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.close(context.WithoutCancel(ctx))
		}
	}()

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	c.closers = append(c.closers, provider.Shutdown)
	recorder, err := telemetry.NewRecorder(provider.MeterProvider(), provider.TracerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry recorder: %w", err)
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	var introspector auth.Introspector
	if needsIntrospection(catalog) {
		var verdicts cache.Cache
		if cfg.Introspection.CacheTTL > 0 {
			verdicts, err = cache.New(ctx, cfg.Cache)
			if err != nil {
				return nil, fmt.Errorf("failed to create verdict cache: %w", err)
			}
			c.closers = append(c.closers, func(context.Context) error { return verdicts.Close() })
		}
		introspector, err = auth.NewIntrospectionClient(ctx, auth.IntrospectionConfig{
			URL:            cfg.Introspection.URL,
			Issuer:         cfg.Server.Issuer,
			ClientID:       cfg.Introspection.ClientID,
			ClientSecret:   cfg.Introspection.ClientSecret,
			Timeout:        cfg.Introspection.Timeout,
			CacheTTL:       cfg.Introspection.CacheTTL,
			CACertPath:     cfg.Server.CACertPath,
			AllowPrivateIP: cfg.Server.AllowPrivateIP,
		}, verdicts, recorder, logger.Component(log, "introspection"))
		if err != nil {
			return nil, fmt.Errorf("failed to create introspection client: %w", err)
		}
	}

	enforcer, err := authz.NewEnforcer(authz.Config{
		Catalog:      catalog,
		Introspector: introspector,
		Headers:      headerNames(cfg),
		Issuer:       issuerResolver(cfg),
		Realm:        realm,
		Recorder:     recorder,
	}, logger.Component(log, "enforcer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy enforcer: %w", err)
	}

	authenticator, err := auth.NewValidator(ctx, auth.ValidatorConfig{
		Issuer:          cfg.Server.Issuer,
		SkipIssuerCheck: cfg.Server.IssuerFromForwardedHost,
		Audience:        cfg.Server.Audience,
		JWKSURL:         cfg.Server.JWKSURL,
		CACertPath:      cfg.Server.CACertPath,
		AllowPrivateIP:  cfg.Server.AllowPrivateIP,
	}, logger.Component(log, "token-validator"))
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	store := grants.NewMemoryStore()
	if cfg.Server.GrantsFile != "" {
		if err := grants.LoadSeedFile(ctx, store, cfg.Server.GrantsFile); err != nil {
			return nil, err
		}
	}

	c.server = server.Config{
		Address:       cfg.Server.Address,
		Realm:         realm,
		Authenticator: authenticator,
		Enforcer:      enforcer,
		Grants:        store,
		Clients:       store,
	}
	if cfg.Telemetry.Metrics {
		c.server.Metrics = provider.MetricsHandler()
	}
	return c, nil
}

// newRequester builds the OCSP requester from the ocsp section.
func newRequester(cfg *config.Config, recorder *telemetry.Recorder, log *slog.Logger) (*ocsp.Requester, error) {
	// #nosec G304: path comes from operator configuration
	issuerPEM, err := os.ReadFile(filepath.Clean(cfg.OCSP.IssuerCert))
	if err != nil {
		return nil, fmt.Errorf("failed to read OCSP issuer certificate: %w", err)
	}
	return ocsp.NewRequester(ocsp.Config{
		ResponderURL:    cfg.OCSP.ResponderURL,
		IssuerPEM:       issuerPEM,
		Timeout:         cfg.OCSP.Timeout,
		VerifySignature: cfg.OCSP.VerifySignature,
		AllowPrivateIPs: cfg.OCSP.AllowPrivateIP,
		Recorder:        recorder,
	}, logger.Component(log, "ocsp"))
}
