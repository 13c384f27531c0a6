// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewProvider(t *testing.T) {
	t.Parallel()

	t.Run("metrics enabled serves prometheus format", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		cfg := DefaultConfig()
		p, err := NewProvider(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

		rec, err := NewRecorder(p.MeterProvider(), p.TracerProvider())
		require.NoError(t, err)
		rec.Verification(ctx, "scope", "success")
		rec.SecurityEvent(ctx, EventHolderOfKeyMismatch)

		w := httptest.NewRecorder()
		p.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, "bankguard_verifications_total")
		assert.Contains(t, body, `event="holder_of_key_mismatch"`)
		assert.Contains(t, body, "go_goroutines")
	})

	t.Run("metrics disabled", func(t *testing.T) {
		t.Parallel()
		p, err := NewProvider(context.Background(), Config{ServiceName: "bankguard"})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		p.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("invalid sampling rate", func(t *testing.T) {
		t.Parallel()
		_, err := NewProvider(context.Background(), Config{SamplingRate: 1.5})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sampling rate")
	})
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	t.Run("nil recorder is a no-op", func(t *testing.T) {
		t.Parallel()
		var rec *Recorder
		ctx := context.Background()
		rec.Verification(ctx, "scope", "success")
		rec.SecurityEvent(ctx, EventTokenRevoked)
		got, done := rec.StartOutbound(ctx, "ocsp")
		done(nil)
		assert.Equal(t, ctx, got)
	})

	t.Run("counts verifications by attributes", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

		rec, err := NewRecorder(mp, tracenoop.NewTracerProvider())
		require.NoError(t, err)

		rec.Verification(ctx, "holder_of_key", "holder_of_key_mismatch")
		rec.Verification(ctx, "holder_of_key", "holder_of_key_mismatch")
		rec.Verification(ctx, "scope", "success")

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(ctx, &rm))

		sums := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name != "bankguard_verifications" {
					continue
				}
				data, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range data.DataPoints {
					req, _ := dp.Attributes.Value(attribute.Key("requirement"))
					sums[req.AsString()] += dp.Value
				}
			}
		}
		assert.Equal(t, int64(2), sums["holder_of_key"])
		assert.Equal(t, int64(1), sums["scope"])
	})

	t.Run("outbound span records errors", func(t *testing.T) {
		t.Parallel()
		spans := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
		mp := sdkmetric.NewMeterProvider()

		rec, err := NewRecorder(mp, tp)
		require.NoError(t, err)

		_, done := rec.StartOutbound(context.Background(), "introspection")
		done(errors.New("connection refused"))

		ended := spans.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "bankguard.introspection", ended[0].Name())
		assert.Equal(t, "connection refused", ended[0].Status().Description)
	})
}
