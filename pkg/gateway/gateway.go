// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the mTLS edge in front of the authorization
// server. It validates the client certificate against the pinned root,
// optionally checks its revocation status, and forwards the certificate
// identity to the upstream in trusted headers.
package gateway

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	apierrors "github.com/stacklok/bankguard/pkg/api/errors"
	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/certs"
	"github.com/stacklok/bankguard/pkg/ocsp"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// maxLimiters bounds the per-certificate limiter table. The table is reset
// when it fills up.
const maxLimiters = 10000

// Error codes returned by the gateway.
const (
	ErrorInvalidCertificate   = "invalid_client_certificate"
	ErrorCertificateRevoked   = "client_certificate_revoked"
	ErrorStatusUnavailable    = "certificate_status_unavailable"
	ErrorRateLimited          = "rate_limited"
	ErrorUpstreamUnavailable  = "upstream_unavailable"
	certificateStatusDetail   = "client certificate status could not be determined"
	upstreamUnavailableDetail = "upstream service unavailable"
)

// RevocationChecker reports the OCSP status of a client certificate.
// *ocsp.Requester implements it.
type RevocationChecker interface {
	CheckCertificate(ctx context.Context, cert *x509.Certificate) ocsp.Result
}

// Config configures a Gateway.
type Config struct {
	// Upstream is the authorization server URL. Required.
	Upstream *url.URL

	// Validator validates client certificates. Required.
	Validator *certs.Validator

	// Revocation enables OCSP enforcement when set. Only Good passes.
	Revocation RevocationChecker

	// Headers names the forwarded headers.
	Headers auth.HeaderNames

	// RateLimit is the per-certificate request rate. Zero disables limiting.
	RateLimit rate.Limit

	// RateBurst is the per-certificate burst. Defaults to 1 when limiting.
	RateBurst int

	// Transport is the upstream round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Recorder records security events. Optional.
	Recorder *telemetry.Recorder
}

// Gateway is an http.Handler that fronts the authorization server.
type Gateway struct {
	validator  *certs.Validator
	revocation RevocationChecker
	headers    auth.HeaderNames
	proxy      *httputil.ReverseProxy
	recorder   *telemetry.Recorder
	logger     *slog.Logger

	rateLimit rate.Limit
	rateBurst int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates a Gateway.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("gateway upstream is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("gateway certificate validator is required")
	}

	headers := cfg.Headers
	defaults := auth.DefaultHeaderNames()
	if headers.Thumbprint == "" {
		headers.Thumbprint = defaults.Thumbprint
	}
	if headers.CommonName == "" {
		headers.CommonName = defaults.CommonName
	}
	if headers.ForwardedHost == "" {
		headers.ForwardedHost = defaults.ForwardedHost
	}

	g := &Gateway{
		validator:  cfg.Validator,
		revocation: cfg.Revocation,
		headers:    headers,
		recorder:   cfg.Recorder,
		logger:     logger,
		rateLimit:  cfg.RateLimit,
		rateBurst:  cfg.RateBurst,
		limiters:   make(map[string]*rate.Limiter),
	}
	if g.rateLimit > 0 && g.rateBurst < 1 {
		g.rateBurst = 1
	}

	proxy := httputil.NewSingleHostReverseProxy(cfg.Upstream)
	proxy.FlushInterval = -1
	if cfg.Transport != nil {
		proxy.Transport = cfg.Transport
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.ErrorContext(r.Context(), "upstream request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusBadGateway, ErrorUpstreamUnavailable, upstreamUnavailableDetail)
	}
	g.proxy = proxy

	return g, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			g.logger.ErrorContext(r.Context(), "gateway handler panicked", "panic", fmt.Sprint(rec))
			writeError(w, http.StatusBadGateway, ErrorUpstreamUnavailable, upstreamUnavailableDetail)
		}
	}()

	leaf, err := g.verify(r)
	if err != nil {
		g.writeVerifyError(w, r, err)
		return
	}

	thumbprint := certs.Thumbprint(leaf)
	if !g.allow(thumbprint) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, ErrorRateLimited, "too many requests")
		return
	}

	// Inbound copies of the identity headers are never trusted.
	r.Header.Del(g.headers.Thumbprint)
	r.Header.Del(g.headers.CommonName)
	r.Header.Del(g.headers.ForwardedHost)
	r.Header.Set(g.headers.Thumbprint, thumbprint)
	r.Header.Set(g.headers.CommonName, leaf.Subject.CommonName)
	r.Header.Set(g.headers.ForwardedHost, r.Host)

	g.proxy.ServeHTTP(w, r)
}

// errRevoked and errStatusUnavailable classify OCSP outcomes.
var (
	errRevoked           = errors.New("client certificate revoked")
	errStatusUnavailable = errors.New("client certificate status unavailable")
)

func (g *Gateway) verify(r *http.Request) (*x509.Certificate, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, &certs.CertificateError{Reason: "no client certificate presented", Err: certs.ErrNoCertificate}
	}
	leaf := r.TLS.PeerCertificates[0]
	if err := g.validator.Validate(leaf, r.TLS.PeerCertificates[1:]...); err != nil {
		return nil, err
	}

	if g.revocation == nil {
		return leaf, nil
	}
	result := g.revocation.CheckCertificate(r.Context(), leaf)
	switch result.Status {
	case ocsp.StatusGood:
		return leaf, nil
	case ocsp.StatusRevoked:
		return nil, errRevoked
	default:
		g.logger.WarnContext(r.Context(), "client certificate status unavailable",
			"serial", leaf.SerialNumber.Text(16), "status", result.Status.String(), "error", result.Err)
		return nil, errStatusUnavailable
	}
}

func (g *Gateway) writeVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	var certErr *certs.CertificateError
	switch {
	case errors.As(err, &certErr):
		g.recorder.SecurityEvent(r.Context(), telemetry.EventCertificateRejected)
		g.logger.WarnContext(r.Context(), "client certificate rejected",
			"security_event", telemetry.EventCertificateRejected, "error", err)
		writeError(w, http.StatusBadRequest, ErrorInvalidCertificate, certErr.Reason)
	case errors.Is(err, errRevoked):
		g.recorder.SecurityEvent(r.Context(), telemetry.EventCertificateRevoked)
		g.logger.WarnContext(r.Context(), "client certificate revoked",
			"security_event", telemetry.EventCertificateRevoked)
		writeError(w, http.StatusBadRequest, ErrorCertificateRevoked, "client certificate revoked")
	case errors.Is(err, errStatusUnavailable):
		writeError(w, http.StatusBadGateway, ErrorStatusUnavailable, certificateStatusDetail)
	default:
		g.logger.ErrorContext(r.Context(), "client certificate verification failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrorUpstreamUnavailable, upstreamUnavailableDetail)
	}
}

func (g *Gateway) allow(key string) bool {
	if g.rateLimit <= 0 {
		return true
	}

	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		if len(g.limiters) >= maxLimiters {
			g.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(g.rateLimit, g.rateBurst)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()

	return limiter.Allow()
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	apierrors.WriteJSON(w, status, apierrors.Body{Error: code, ErrorDescription: description})
}
