// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/cache"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
server:
  address: ":9090"
  issuer: "https://bank.example.com"
  audience: "cdr"
introspection:
  url: "https://bank.example.com/connect/introspect"
  client_id: "gateway"
  client_secret: "s3cret"
  timeout: 2s
  cache_ttl: 30s
cache:
  backend: redis
  redis:
    address: "localhost:6379"
    db: 2
gateway:
  upstream: "http://localhost:9090"
  rate_limit: 10
  rate_burst: 20
  ocsp_enforce: true
ocsp:
  responder_url: "http://ocsp.example.com"
  verify_signature: true
telemetry:
  metrics: false
`

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New(), writeFile(t, "empty.yaml", "{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":8443", cfg.Gateway.Address)
	assert.Equal(t, auth.DefaultThumbprintHeader, cfg.Server.ClientCertThumbprintHeader)
	assert.Equal(t, auth.DefaultCommonNameHeader, cfg.Server.ClientCertCNHeader)
	assert.Equal(t, 5*time.Second, cfg.Introspection.Timeout)
	assert.Zero(t, cfg.Introspection.CacheTTL)
	assert.Equal(t, cache.BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, cache.DefaultKeyPrefix, cfg.Cache.Redis.KeyPrefix)
	assert.False(t, cfg.Gateway.OCSPEnforce)
	assert.Equal(t, 5*time.Second, cfg.OCSP.Timeout)
	assert.Equal(t, "bankguard", cfg.Telemetry.ServiceName)
	assert.True(t, cfg.Telemetry.Metrics)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New(), writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "https://bank.example.com", cfg.Server.Issuer)
	assert.Equal(t, "cdr", cfg.Server.Audience)
	assert.Equal(t, "gateway", cfg.Introspection.ClientID)
	assert.Equal(t, 2*time.Second, cfg.Introspection.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Introspection.CacheTTL)
	assert.Equal(t, cache.BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Address)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.InDelta(t, 10.0, cfg.Gateway.RateLimit, 0.001)
	assert.Equal(t, 20, cfg.Gateway.RateBurst)
	assert.True(t, cfg.Gateway.OCSPEnforce)
	assert.True(t, cfg.OCSP.VerifySignature)
	assert.False(t, cfg.Telemetry.Metrics)
}

//nolint:paralleltest // mutates process environment
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BANKGUARD_SERVER_ADDRESS", ":7070")
	t.Setenv("BANKGUARD_INTROSPECTION_CACHE_TTL", "1m")
	t.Setenv("BANKGUARD_GATEWAY_OCSP_ENFORCE", "false")

	cfg, err := Load(viper.New(), writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, time.Minute, cfg.Introspection.CacheTTL)
	assert.False(t, cfg.Gateway.OCSPEnforce)
	assert.Equal(t, "https://bank.example.com", cfg.Server.Issuer)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(viper.New(), writeFile(t, "bad.yaml", "server: [unterminated"))
	require.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(viper.New(), writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name: "static issuer mode needs an issuer",
			mutate: func(c *Config) {
				c.Server.Issuer = ""
				c.Server.JWKSURL = "https://bank.example.com/jwks"
			},
			wantErr: []string{"server.issuer is required unless server.issuer_from_forwarded_host is set"},
		},
		{
			name: "forwarded host mode accepts jwks url alone",
			mutate: func(c *Config) {
				c.Server.IssuerFromForwardedHost = true
				c.Server.Issuer = ""
				c.Server.JWKSURL = "https://bank.example.com/jwks"
			},
		},
		{
			name: "forwarded host mode without issuer or jwks",
			mutate: func(c *Config) {
				c.Server.IssuerFromForwardedHost = true
				c.Server.Issuer = ""
				c.Server.JWKSURL = ""
			},
			wantErr: []string{"server.issuer or server.jwks_url is required"},
		},
		{
			name: "bad urls",
			mutate: func(c *Config) {
				c.Server.Issuer = "bank.example.com"
				c.Introspection.URL = "ftp://bank.example.com/introspect"
			},
			wantErr: []string{
				"server.issuer: URL must start with http:// or https://",
				"introspection.url: URL must start with http:// or https://",
			},
		},
		{
			name: "missing files",
			mutate: func(c *Config) {
				c.Server.PoliciesFile = "/nonexistent/policies.yaml"
			},
			wantErr: []string{"server.policies_file: file not found"},
		},
		{
			name: "half configured client credentials",
			mutate: func(c *Config) {
				c.Introspection.ClientSecret = ""
			},
			wantErr: []string{"must be set together"},
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Cache.Redis.Address = ""
			},
			wantErr: []string{"cache.redis.address is required"},
		},
		{
			name: "unknown cache backend",
			mutate: func(c *Config) {
				c.Cache.Backend = "memcached"
			},
			wantErr: []string{`unknown backend "memcached"`},
		},
		{
			name: "all problems reported together",
			mutate: func(c *Config) {
				c.Server.Address = ""
				c.Introspection.Timeout = -time.Second
				c.Telemetry.SamplingRate = 2
			},
			wantErr: []string{
				"server.address is required",
				"introspection.timeout must not be negative",
				"telemetry.sampling_rate must be between 0 and 1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestValidateGateway(t *testing.T) {
	t.Parallel()

	cert := writeFile(t, "tls.crt", "cert")
	key := writeFile(t, "tls.key", "key")
	root := writeFile(t, "root.pem", "root")
	issuer := writeFile(t, "issuer.pem", "issuer")

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.Gateway.TLSCert, cfg.Gateway.TLSKey, cfg.Gateway.RootCA = cert, key, root
		cfg.OCSP.IssuerCert = issuer
		assert.NoError(t, cfg.ValidateGateway())
	})

	t.Run("missing files and ocsp settings", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.OCSP.ResponderURL = ""
		err := cfg.ValidateGateway()
		require.Error(t, err)
		for _, want := range []string{
			"gateway.tls_cert is required",
			"gateway.tls_key is required",
			"gateway.root_ca is required",
			"ocsp.responder_url is required",
			"ocsp.issuer_cert is required",
		} {
			assert.Contains(t, err.Error(), want)
		}
	})

	t.Run("ocsp not checked when not enforced", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.Gateway.TLSCert, cfg.Gateway.TLSKey, cfg.Gateway.RootCA = cert, key, root
		cfg.Gateway.OCSPEnforce = false
		cfg.OCSP = OCSP{}
		assert.NoError(t, cfg.ValidateGateway())
	})
}
