// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"
	"os"
	"path/filepath"

	"github.com/stacklok/bankguard/pkg/cache"
)

// Error message templates for consistent error formatting
const (
	errFileNotFound     = "%s: file not found or not accessible: %w"
	errInvalidURL       = "%s: invalid URL format: %w"
	errInvalidURLScheme = "%s: URL must start with http:// or https://"
	errRequired         = "%s is required"
)

// Validate checks the settings needed by the authorization server and
// returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, fmt.Errorf(errRequired, "server.address"))
	}
	// Scopes are only granted for the expected issuer, so static mode needs one.
	switch {
	case c.Server.IssuerFromForwardedHost:
		if c.Server.Issuer == "" && c.Server.JWKSURL == "" {
			errs = append(errs, errors.New("server.issuer or server.jwks_url is required"))
		}
	case c.Server.Issuer == "":
		errs = append(errs, errors.New("server.issuer is required unless server.issuer_from_forwarded_host is set"))
	}
	errs = appendURL(errs, "server.issuer", c.Server.Issuer)
	errs = appendURL(errs, "server.jwks_url", c.Server.JWKSURL)
	errs = appendFile(errs, "server.policies_file", c.Server.PoliciesFile)
	errs = appendFile(errs, "server.grants_file", c.Server.GrantsFile)
	errs = appendFile(errs, "server.ca_cert_path", c.Server.CACertPath)
	if c.Server.ClientCertThumbprintHeader == "" {
		errs = append(errs, fmt.Errorf(errRequired, "server.client_cert_thumbprint_header"))
	}

	errs = appendURL(errs, "introspection.url", c.Introspection.URL)
	if c.Introspection.Timeout < 0 {
		errs = append(errs, errors.New("introspection.timeout must not be negative"))
	}
	if c.Introspection.CacheTTL < 0 {
		errs = append(errs, errors.New("introspection.cache_ttl must not be negative"))
	}
	if (c.Introspection.ClientID == "") != (c.Introspection.ClientSecret == "") {
		errs = append(errs, errors.New("introspection.client_id and introspection.client_secret must be set together"))
	}

	switch c.Cache.Backend {
	case "", cache.BackendMemory:
	case cache.BackendRedis:
		if c.Cache.Redis.Address == "" {
			errs = append(errs, fmt.Errorf(errRequired, "cache.redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, errors.New("telemetry.sampling_rate must be between 0 and 1"))
	}
	errs = appendURL(errs, "telemetry.tracing_endpoint", c.Telemetry.TracingEndpoint)

	return errors.Join(errs...)
}

// ValidateGateway checks the settings needed by the mTLS gateway and returns
// every problem found, joined.
func (c *Config) ValidateGateway() error {
	var errs []error

	if c.Gateway.Address == "" {
		errs = append(errs, fmt.Errorf(errRequired, "gateway.address"))
	}
	if c.Gateway.Upstream == "" {
		errs = append(errs, fmt.Errorf(errRequired, "gateway.upstream"))
	}
	errs = appendURL(errs, "gateway.upstream", c.Gateway.Upstream)
	for _, f := range []struct{ key, path string }{
		{"gateway.tls_cert", c.Gateway.TLSCert},
		{"gateway.tls_key", c.Gateway.TLSKey},
		{"gateway.root_ca", c.Gateway.RootCA},
	} {
		if f.path == "" {
			errs = append(errs, fmt.Errorf(errRequired, f.key))
			continue
		}
		errs = appendFile(errs, f.key, f.path)
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, errors.New("gateway.rate_limit must not be negative"))
	}
	if c.Gateway.RateBurst < 0 {
		errs = append(errs, errors.New("gateway.rate_burst must not be negative"))
	}
	if c.Gateway.OCSPEnforce {
		if err := c.ValidateOCSP(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ValidateOCSP checks the OCSP requester settings.
func (c *Config) ValidateOCSP() error {
	var errs []error

	if c.OCSP.ResponderURL == "" {
		errs = append(errs, fmt.Errorf(errRequired, "ocsp.responder_url"))
	}
	errs = appendURL(errs, "ocsp.responder_url", c.OCSP.ResponderURL)
	if c.OCSP.IssuerCert == "" {
		errs = append(errs, fmt.Errorf(errRequired, "ocsp.issuer_cert"))
	}
	errs = appendFile(errs, "ocsp.issuer_cert", c.OCSP.IssuerCert)
	if c.OCSP.Timeout < 0 {
		errs = append(errs, errors.New("ocsp.timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// appendURL validates rawURL when it is set.
func appendURL(errs []error, key, rawURL string) []error {
	if rawURL == "" {
		return errs
	}
	parsed, err := neturl.Parse(rawURL)
	if err != nil {
		return append(errs, fmt.Errorf(errInvalidURL, key, err))
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return append(errs, fmt.Errorf(errInvalidURLScheme, key))
	}
	return errs
}

// appendFile checks that path, when set, exists and is accessible.
func appendFile(errs []error, key, path string) []error {
	if path == "" {
		return errs
	}
	if _, err := os.Stat(filepath.Clean(path)); err != nil {
		return append(errs, fmt.Errorf(errFileNotFound, key, err))
	}
	return errs
}
