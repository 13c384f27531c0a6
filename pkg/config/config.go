// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the bankguard configuration
// structure and the logic required to load it from a file, the environment
// and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/cache"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. BANKGUARD_SERVER_ADDRESS.
const EnvPrefix = "BANKGUARD"

// Config represents the configuration of both the authorization server and
// the mTLS gateway.
type Config struct {
	Server        Server           `json:"server" yaml:"server" mapstructure:"server"`
	Introspection Introspection    `json:"introspection" yaml:"introspection" mapstructure:"introspection"`
	Cache         cache.Config     `json:"cache" yaml:"cache" mapstructure:"cache"`
	Gateway       Gateway          `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	OCSP          OCSP             `json:"ocsp" yaml:"ocsp" mapstructure:"ocsp"`
	Telemetry     telemetry.Config `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
}

// Server configures the authorization server surface.
type Server struct {
	Address string `json:"address" yaml:"address" mapstructure:"address"`

	// Issuer is the expected token issuer and the fallback for the
	// forwarded-host resolution.
	Issuer string `json:"issuer" yaml:"issuer" mapstructure:"issuer"`

	// IssuerFromForwardedHost derives the expected issuer from the host the
	// gateway forwards, joined with BasePath.
	IssuerFromForwardedHost bool   `json:"issuer_from_forwarded_host" yaml:"issuer_from_forwarded_host" mapstructure:"issuer_from_forwarded_host"`
	BasePath                string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`

	Audience string `json:"audience" yaml:"audience" mapstructure:"audience"`
	JWKSURL  string `json:"jwks_url" yaml:"jwks_url" mapstructure:"jwks_url"`

	// PoliciesFile replaces the built-in catalog when set.
	PoliciesFile string `json:"policies_file" yaml:"policies_file" mapstructure:"policies_file"`

	// GrantsFile seeds the in-memory client and arrangement store.
	GrantsFile string `json:"grants_file" yaml:"grants_file" mapstructure:"grants_file"`

	CACertPath     string `json:"ca_cert_path" yaml:"ca_cert_path" mapstructure:"ca_cert_path"`
	AllowPrivateIP bool   `json:"allow_private_ip" yaml:"allow_private_ip" mapstructure:"allow_private_ip"`

	ClientCertThumbprintHeader string `json:"client_cert_thumbprint_header" yaml:"client_cert_thumbprint_header" mapstructure:"client_cert_thumbprint_header"`
	ClientCertCNHeader         string `json:"client_cert_cn_header" yaml:"client_cert_cn_header" mapstructure:"client_cert_cn_header"`
}

// Introspection configures the RFC 7662 client used for live token checks.
type Introspection struct {
	// URL is discovered from the issuer when empty.
	URL          string        `json:"url" yaml:"url" mapstructure:"url"`
	ClientID     string        `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string        `json:"client_secret" yaml:"client_secret" mapstructure:"client_secret"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// CacheTTL is how long a definitive verdict is cached. Zero disables it.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// Gateway configures the mTLS edge.
type Gateway struct {
	Address  string `json:"address" yaml:"address" mapstructure:"address"`
	Upstream string `json:"upstream" yaml:"upstream" mapstructure:"upstream"`
	TLSCert  string `json:"tls_cert" yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey   string `json:"tls_key" yaml:"tls_key" mapstructure:"tls_key"`

	// RootCA is the single trusted root for client certificates.
	RootCA string `json:"root_ca" yaml:"root_ca" mapstructure:"root_ca"`

	// RateLimit is requests per second per client certificate. Zero disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst" mapstructure:"rate_burst"`

	// OCSPEnforce rejects certificates whose status is not good.
	OCSPEnforce bool `json:"ocsp_enforce" yaml:"ocsp_enforce" mapstructure:"ocsp_enforce"`
}

// OCSP configures the revocation requester.
type OCSP struct {
	ResponderURL    string        `json:"responder_url" yaml:"responder_url" mapstructure:"responder_url"`
	IssuerCert      string        `json:"issuer_cert" yaml:"issuer_cert" mapstructure:"issuer_cert"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	VerifySignature bool          `json:"verify_signature" yaml:"verify_signature" mapstructure:"verify_signature"`
	AllowPrivateIP  bool          `json:"allow_private_ip" yaml:"allow_private_ip" mapstructure:"allow_private_ip"`
}

// SetDefaults registers the default value of every key on v. Registering
// every key also makes it visible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	tel := telemetry.DefaultConfig()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.issuer", "")
	v.SetDefault("server.issuer_from_forwarded_host", false)
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.audience", "")
	v.SetDefault("server.jwks_url", "")
	v.SetDefault("server.policies_file", "")
	v.SetDefault("server.grants_file", "")
	v.SetDefault("server.ca_cert_path", "")
	v.SetDefault("server.allow_private_ip", false)
	v.SetDefault("server.client_cert_thumbprint_header", auth.DefaultThumbprintHeader)
	v.SetDefault("server.client_cert_cn_header", auth.DefaultCommonNameHeader)

	v.SetDefault("introspection.url", "")
	v.SetDefault("introspection.client_id", "")
	v.SetDefault("introspection.client_secret", "")
	v.SetDefault("introspection.timeout", 5*time.Second)
	v.SetDefault("introspection.cache_ttl", time.Duration(0))

	v.SetDefault("cache.backend", cache.BackendMemory)
	v.SetDefault("cache.redis.address", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", cache.DefaultKeyPrefix)

	v.SetDefault("gateway.address", ":8443")
	v.SetDefault("gateway.upstream", "")
	v.SetDefault("gateway.tls_cert", "")
	v.SetDefault("gateway.tls_key", "")
	v.SetDefault("gateway.root_ca", "")
	v.SetDefault("gateway.rate_limit", 0.0)
	v.SetDefault("gateway.rate_burst", 0)
	v.SetDefault("gateway.ocsp_enforce", false)

	v.SetDefault("ocsp.responder_url", "")
	v.SetDefault("ocsp.issuer_cert", "")
	v.SetDefault("ocsp.timeout", 5*time.Second)
	v.SetDefault("ocsp.verify_signature", false)
	v.SetDefault("ocsp.allow_private_ip", false)

	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.service_version", tel.ServiceVersion)
	v.SetDefault("telemetry.metrics", tel.Metrics)
	v.SetDefault("telemetry.tracing_endpoint", tel.TracingEndpoint)
	v.SetDefault("telemetry.sampling_rate", tel.SamplingRate)
}

// DefaultPath returns the default config file location under the XDG config
// directory. The file does not have to exist.
func DefaultPath() (string, error) {
	path, err := xdg.ConfigFile("bankguard/config.yaml")
	if err != nil {
		return "", fmt.Errorf("failed to resolve default config path: %w", err)
	}
	return path, nil
}

// Load reads the configuration from v. When path is set the file must
// exist; otherwise the default path is read if present. Environment
// variables prefixed with EnvPrefix override file values.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if defaultPath, err := DefaultPath(); err == nil {
		v.SetConfigFile(defaultPath)
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", defaultPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}
