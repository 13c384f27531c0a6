// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"

	"github.com/stacklok/bankguard/pkg/cache"
	"github.com/stacklok/bankguard/pkg/logger"
	"github.com/stacklok/bankguard/pkg/testkit"
)

func newTestIntrospectionClient(
	t *testing.T,
	iss *testkit.Issuer,
	verdicts cache.Cache,
	mutate ...func(*IntrospectionConfig),
) *IntrospectionClient {
	t.Helper()
	cfg := IntrospectionConfig{
		URL:            iss.URL + "/connect/introspect",
		ClientID:       "bankguard",
		ClientSecret:   "s3cret",
		Timeout:        2 * time.Second,
		CACertPath:     iss.WriteCA(t),
		AllowPrivateIP: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewIntrospectionClient(context.Background(), cfg, verdicts, nil, logger.Discard())
	require.NoError(t, err)
	return c
}

func TestIntrospectionClient_Introspect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setup       func(iss *testkit.Issuer)
		token       string
		wantActive  bool
		unavailable bool
	}{
		{
			name:       "active",
			setup:      func(iss *testkit.Issuer) { iss.SetActive("tok", true, time.Time{}) },
			token:      "tok",
			wantActive: true,
		},
		{
			name:  "inactive",
			setup: func(iss *testkit.Issuer) { iss.SetActive("tok", false, time.Time{}) },
			token: "tok",
		},
		{
			name:  "unknown token",
			setup: func(*testkit.Issuer) {},
			token: "tok",
		},
		{
			name:  "client error is definitive",
			setup: func(iss *testkit.Issuer) { iss.FailIntrospection(http.StatusUnauthorized) },
			token: "tok",
		},
		{
			name:        "server error is unavailable",
			setup:       func(iss *testkit.Issuer) { iss.FailIntrospection(http.StatusServiceUnavailable) },
			token:       "tok",
			unavailable: true,
		},
		{
			name:        "timeout is unavailable",
			setup:       func(iss *testkit.Issuer) { iss.DelayIntrospection(time.Second) },
			token:       "tok",
			unavailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			iss := testkit.NewIssuer(t)
			tt.setup(iss)

			c := newTestIntrospectionClient(t, iss, nil, func(cfg *IntrospectionConfig) {
				cfg.Timeout = 100 * time.Millisecond
			})
			active, err := c.Introspect(context.Background(), tt.token)
			if tt.unavailable {
				assert.ErrorIs(t, err, ErrIntrospectionUnavailable)
				assert.False(t, active)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantActive, active)
		})
	}
}

func TestIntrospectionClient_ClientAuthentication(t *testing.T) {
	t.Parallel()

	iss := testkit.NewIssuer(t)
	iss.SetActive("tok", true, time.Time{})

	c := newTestIntrospectionClient(t, iss, nil)
	_, err := c.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(iss.LastIntrospectionAuth(), "Basic "))
}

func TestIntrospectionClient_Discovery(t *testing.T) {
	t.Parallel()

	iss := testkit.NewIssuer(t)
	c := newTestIntrospectionClient(t, iss, nil, func(cfg *IntrospectionConfig) {
		cfg.URL = ""
		cfg.Issuer = iss.URL
	})
	assert.Equal(t, iss.URL+"/connect/introspect", c.URL())

	_, err := NewIntrospectionClient(context.Background(), IntrospectionConfig{}, nil, nil, logger.Discard())
	require.Error(t, err)
}

func TestIntrospectionClient_Cache(t *testing.T) {
	t.Parallel()

	withTTL := func(cfg *IntrospectionConfig) { cfg.CacheTTL = time.Minute }

	t.Run("definitive verdicts are cached", func(t *testing.T) {
		t.Parallel()
		iss := testkit.NewIssuer(t)
		iss.SetActive("good", true, time.Now().Add(time.Hour))
		iss.SetActive("bad", false, time.Time{})
		c := newTestIntrospectionClient(t, iss, cache.NewMemory(), withTTL)

		for range 3 {
			active, err := c.Introspect(context.Background(), "good")
			require.NoError(t, err)
			assert.True(t, active)

			active, err = c.Introspect(context.Background(), "bad")
			require.NoError(t, err)
			assert.False(t, active)
		}
		assert.Equal(t, int64(2), iss.IntrospectionHits())
	})

	t.Run("unavailable is not cached", func(t *testing.T) {
		t.Parallel()
		iss := testkit.NewIssuer(t)
		iss.FailIntrospection(http.StatusBadGateway)
		c := newTestIntrospectionClient(t, iss, cache.NewMemory(), withTTL)

		for range 2 {
			_, err := c.Introspect(context.Background(), "tok")
			assert.ErrorIs(t, err, ErrIntrospectionUnavailable)
		}
		assert.Equal(t, int64(2), iss.IntrospectionHits())
	})

	t.Run("rejected requests are not cached", func(t *testing.T) {
		t.Parallel()
		iss := testkit.NewIssuer(t)
		iss.SetActive("tok", true, time.Now().Add(time.Hour))
		iss.FailIntrospection(http.StatusUnauthorized)
		verdicts := cache.NewMemory()
		c := newTestIntrospectionClient(t, iss, verdicts, withTTL)

		active, err := c.Introspect(context.Background(), "tok")
		require.NoError(t, err)
		assert.False(t, active)
		assert.Zero(t, verdicts.Len())

		iss.FailIntrospection(0)
		active, err = c.Introspect(context.Background(), "tok")
		require.NoError(t, err)
		assert.True(t, active)
		assert.Equal(t, int64(2), iss.IntrospectionHits())
	})

	t.Run("ttl never outlives the token", func(t *testing.T) {
		t.Parallel()
		iss := testkit.NewIssuer(t)
		iss.SetActive("tok", true, time.Now().Add(-time.Second))
		c := newTestIntrospectionClient(t, iss, cache.NewMemory(), withTTL)

		for range 2 {
			_, err := c.Introspect(context.Background(), "tok")
			require.NoError(t, err)
		}
		assert.Equal(t, int64(2), iss.IntrospectionHits())
	})

	t.Run("redis keys are token digests", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		verdicts := cache.NewRedisWithClient(client, cache.DefaultKeyPrefix)
		t.Cleanup(func() { _ = verdicts.Close() })

		iss := testkit.NewIssuer(t)
		iss.SetActive("raw-secret-token", true, time.Time{})
		c := newTestIntrospectionClient(t, iss, verdicts, withTTL)

		active, err := c.Introspect(context.Background(), "raw-secret-token")
		require.NoError(t, err)
		assert.True(t, active)

		keys := mr.Keys()
		require.Len(t, keys, 1)
		assert.Equal(t, cache.DefaultKeyPrefix+cacheKeyPrefix+tokenKey("raw-secret-token"), keys[0])
		assert.NotContains(t, keys[0], "raw-secret-token")
		assert.InDelta(t, time.Minute.Seconds(), mr.TTL(keys[0]).Seconds(), 1)
	})
}

func TestIntrospectionClient_CallerCancellation(t *testing.T) {
	t.Parallel()

	iss := testkit.NewIssuer(t)
	iss.DelayIntrospection(500 * time.Millisecond)
	c := newTestIntrospectionClient(t, iss, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Introspect(ctx, "tok")
	assert.ErrorIs(t, err, ErrIntrospectionUnavailable)
}

// The gock tests share gock's global registry and must not run in parallel.

func newGockClient(t *testing.T) *IntrospectionClient {
	t.Helper()
	httpClient := &http.Client{}
	gock.InterceptClient(httpClient)
	t.Cleanup(func() {
		gock.RestoreClient(httpClient)
		gock.Off()
	})

	c, err := NewIntrospectionClient(context.Background(), IntrospectionConfig{
		URL:        "https://as.example.com/connect/introspect",
		HTTPClient: httpClient,
	}, nil, nil, logger.Discard())
	require.NoError(t, err)
	return c
}

func TestIntrospectionClient_MalformedBody(t *testing.T) { //nolint:paralleltest // gock global state
	c := newGockClient(t)

	gock.New("https://as.example.com").
		Post("/connect/introspect").
		MatchHeader("Content-Type", "application/x-www-form-urlencoded").
		Reply(http.StatusOK).
		BodyString("{not json")

	active, err := c.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, gock.IsDone())
}

func TestIntrospectionClient_ActiveWithoutSuccessStatus(t *testing.T) { //nolint:paralleltest // gock global state
	c := newGockClient(t)

	gock.New("https://as.example.com").
		Post("/connect/introspect").
		Reply(http.StatusBadRequest).
		JSON(map[string]any{"active": true})

	active, err := c.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestIntrospectionClient_TransportError(t *testing.T) { //nolint:paralleltest // gock global state
	c := newGockClient(t)

	gock.New("https://as.example.com").
		Post("/connect/introspect").
		ReplyError(errors.New("connection reset by peer"))

	active, err := c.Introspect(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrIntrospectionUnavailable)
	assert.False(t, active)
}
