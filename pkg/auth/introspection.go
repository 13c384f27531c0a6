// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/bankguard/pkg/cache"
	"github.com/stacklok/bankguard/pkg/networking"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

//go:generate mockgen -destination=mocks/mock_introspector.go -package=mocks -source=introspection.go Introspector

// DefaultIntrospectionTimeout bounds one introspection call when none is configured.
const DefaultIntrospectionTimeout = 5 * time.Second

// maxIntrospectionBody caps how much of an introspection response is read.
const maxIntrospectionBody = 1 << 20

const (
	verdictActive   = "active"
	verdictInactive = "inactive"
	cacheKeyPrefix  = "introspection:"
)

// ErrIntrospectionUnavailable is returned when the introspection endpoint could
// not give a definitive answer: it was unreachable, timed out or failed with a
// 5xx status.
var ErrIntrospectionUnavailable = errors.New("token introspection unavailable")

// Introspector reports whether an access token is still active at its issuer.
//
// A nil error means the answer is definitive. Any error means the status could
// not be determined.
type Introspector interface {
	Introspect(ctx context.Context, token string) (bool, error)
}

// IntrospectionConfig configures an IntrospectionClient.
type IntrospectionConfig struct {
	// URL is the RFC 7662 introspection endpoint. Discovered from Issuer when empty.
	URL string
	// Issuer is used for discovery when URL is empty.
	Issuer string
	// ClientID and ClientSecret authenticate the call with HTTP Basic auth
	// when both are set.
	ClientID     string
	ClientSecret string
	// Timeout bounds one call. Zero means DefaultIntrospectionTimeout.
	Timeout time.Duration
	// CacheTTL is how long definitive verdicts are cached. Zero disables caching.
	CacheTTL time.Duration

	CACertPath     string
	AllowPrivateIP bool
	// HTTPClient overrides the client built from CACertPath and AllowPrivateIP.
	HTTPClient *http.Client
}

// IntrospectionClient calls an RFC 7662 introspection endpoint. It is safe for
// concurrent use.
type IntrospectionClient struct {
	url          string
	clientID     string
	clientSecret string
	timeout      time.Duration
	cacheTTL     time.Duration
	client       *http.Client
	cache        cache.Cache
	recorder     *telemetry.Recorder
	logger       *slog.Logger
	group        singleflight.Group
	now          func() time.Time
}

// NewIntrospectionClient creates an IntrospectionClient. verdicts may be nil, in
// which case nothing is cached regardless of CacheTTL.
func NewIntrospectionClient(
	ctx context.Context,
	cfg IntrospectionConfig,
	verdicts cache.Cache,
	recorder *telemetry.Recorder,
	logger *slog.Logger,
) (*IntrospectionClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultIntrospectionTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = networking.NewHttpClientBuilder().
			WithCABundle(cfg.CACertPath).
			WithPrivateIPs(cfg.AllowPrivateIP).
			WithTimeout(timeout).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	endpoint := cfg.URL
	if endpoint == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("introspection URL or issuer is required")
		}
		doc, err := Discover(ctx, cfg.Issuer, client)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToDiscoverOIDC, err)
		}
		if doc.IntrospectionEndpoint == "" {
			return nil, fmt.Errorf("issuer %s does not advertise an introspection endpoint", cfg.Issuer)
		}
		endpoint = doc.IntrospectionEndpoint
	}

	return &IntrospectionClient{
		url:          endpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      timeout,
		cacheTTL:     cfg.CacheTTL,
		client:       client,
		cache:        verdicts,
		recorder:     recorder,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// URL returns the introspection endpoint in use.
func (c *IntrospectionClient) URL() string {
	return c.url
}

// Introspect reports whether token is active. The result is true only when the
// endpoint answered 2xx with "active": true.
func (c *IntrospectionClient) Introspect(ctx context.Context, token string) (bool, error) {
	key := tokenKey(token)

	if active, ok := c.cached(ctx, key); ok {
		return active, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.introspect(context.WithoutCancel(ctx), key, token)
	})

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %v", ErrIntrospectionUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

type introspectionResponse struct {
	Active bool     `json:"active"`
	Exp    *float64 `json:"exp,omitempty"`
}

func (c *IntrospectionClient) introspect(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, done := c.recorder.StartOutbound(ctx, "introspection")
	v, err := c.call(ctx, token)
	done(err)
	if err != nil {
		c.logger.WarnContext(ctx, "token introspection unavailable", "error", err)
		return false, err
	}

	if v.parsed {
		c.store(ctx, key, v.active, v.exp)
	}
	return v.active, nil
}

// introspectionVerdict is the outcome of one call. Only verdicts read from a
// 2xx body are parsed, and only parsed verdicts are cached.
type introspectionVerdict struct {
	active bool
	exp    time.Time
	parsed bool
}

// call returns a verdict, or an error wrapping ErrIntrospectionUnavailable.
func (c *IntrospectionClient) call(ctx context.Context, token string) (introspectionVerdict, error) {
	form := url.Values{"token": {token}}
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return introspectionVerdict{}, fmt.Errorf("%w: failed to create request: %v", ErrIntrospectionUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if c.clientID != "" && c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return introspectionVerdict{}, fmt.Errorf("%w: %v", ErrIntrospectionUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return introspectionVerdict{}, fmt.Errorf("%w: %v", ErrIntrospectionUnavailable,
			networking.NewHTTPError("introspection", resp.StatusCode, c.url))
	}
	if !networking.IsSuccess(resp.StatusCode) {
		c.logger.WarnContext(ctx, "introspection rejected the request", "status", resp.StatusCode)
		return introspectionVerdict{}, nil
	}

	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionBody)).Decode(&body); err != nil {
		if ctx.Err() != nil {
			return introspectionVerdict{}, fmt.Errorf("%w: %v", ErrIntrospectionUnavailable, err)
		}
		c.logger.DebugContext(ctx, "introspection returned a malformed body", "error", err)
		return introspectionVerdict{}, nil
	}

	v := introspectionVerdict{active: body.Active, parsed: true}
	if body.Exp != nil {
		v.exp = time.Unix(int64(*body.Exp), 0)
	}
	return v, nil
}

func (c *IntrospectionClient) cached(ctx context.Context, key string) (bool, bool) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return false, false
	}
	v, ok, err := c.cache.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		c.logger.WarnContext(ctx, "introspection cache lookup failed", "error", err)
		return false, false
	}
	if !ok {
		return false, false
	}
	return v == verdictActive, true
}

func (c *IntrospectionClient) store(ctx context.Context, key string, active bool, exp time.Time) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}

	ttl := c.cacheTTL
	verdict := verdictInactive
	if active {
		verdict = verdictActive
		if !exp.IsZero() {
			if remaining := exp.Sub(c.now()); remaining < ttl {
				ttl = remaining
			}
		}
	}
	if ttl <= 0 {
		return
	}

	if err := c.cache.Set(ctx, cacheKeyPrefix+key, verdict, ttl); err != nil {
		c.logger.WarnContext(ctx, "introspection cache store failed", "error", err)
	}
}

// tokenKey returns the hex SHA-256 digest of token. Raw tokens never leave
// the process as cache keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
