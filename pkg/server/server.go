// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the policy-protected endpoints of the authorization
// server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/stacklok/bankguard/pkg/api/errors"
	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/authz"
	"github.com/stacklok/bankguard/pkg/grants"
	"github.com/stacklok/bankguard/pkg/policy"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Config holds the collaborators of the authorization server.
type Config struct {
	// Address is the listen address for Serve.
	Address string

	// Realm is sent in WWW-Authenticate challenges.
	Realm string

	// Authenticator validates bearer tokens.
	Authenticator auth.Authenticator

	// Enforcer evaluates the route policies.
	Enforcer *authz.Enforcer

	// Grants and Clients back the protected endpoints.
	Grants  grants.Repository
	Clients grants.ClientRepository

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// Now is the clock used for revocation timestamps. Defaults to time.Now.
	Now func() time.Time
}

// RoutePolicies returns the names of the policies the router's protected
// routes reference. A catalog must define all of them before NewRouter is
// called.
func RoutePolicies() []string {
	return []string{
		policy.UserInfo,
		policy.DynamicClientRegistration,
		policy.ArrangementManagement,
		policy.BankAccountsBasicRead,
		policy.AdminMetadataUpdate,
	}
}

// NewRouter builds the HTTP handler. It panics if a route references a
// policy missing from the enforcer's catalog; callers check the catalog with
// RoutePolicies first.
func NewRouter(cfg Config, logger *slog.Logger) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	routes := &protectedRoutes{
		grants:  cfg.Grants,
		clients: cfg.Clients,
		now:     now,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		interactionID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/healthz", healthz)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Authenticator, cfg.Realm, logger))

		r.With(cfg.Enforcer.Require(policy.UserInfo)).
			Get("/connect/userinfo", apierrors.ErrorHandler(logger, routes.userInfo))

		r.Route("/connect/register/{client_id}", func(r chi.Router) {
			r.Use(cfg.Enforcer.Require(policy.DynamicClientRegistration))
			r.Get("/", apierrors.ErrorHandler(logger, routes.getClient))
			r.Put("/", apierrors.ErrorHandler(logger, routes.updateClient))
			r.Delete("/", apierrors.ErrorHandler(logger, routes.deleteClient))
		})

		r.Group(func(r chi.Router) {
			r.Use(cfg.Enforcer.Require(policy.ArrangementManagement))
			r.Get("/connect/arrangements/{arrangement_id}", apierrors.ErrorHandler(logger, routes.getArrangement))
			r.Post("/connect/arrangements/revoke", apierrors.ErrorHandler(logger, routes.revokeArrangement))
		})

		r.With(cfg.Enforcer.Require(policy.BankAccountsBasicRead)).
			Get("/cds-au/v1/banking/accounts", apierrors.ErrorHandler(logger, routes.listAccounts))

		r.With(cfg.Enforcer.Require(policy.AdminMetadataUpdate)).
			Post("/admin/metadata/update", apierrors.ErrorHandler(logger, routes.updateMetadata))
	})

	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Serve runs the authorization server until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.Address,
		Handler:           NewRouter(cfg, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	return serve(ctx, srv, listener, logger)
}

func serve(ctx context.Context, srv *http.Server, listener net.Listener, logger *slog.Logger) error {
	logger.Info("starting authorization server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("authorization server stopped")
	return nil
}
