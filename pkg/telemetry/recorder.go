// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the name of this instrumentation package
const instrumentationName = "github.com/stacklok/bankguard/pkg/telemetry"

// Security event names recorded on bankguard_security_events_total and logged
// with the security_event attribute.
const (
	EventHolderOfKeyMismatch = "holder_of_key_mismatch"
	EventTokenRevoked        = "token_revoked"
	EventCertificateRejected = "certificate_rejected"
	EventCertificateRevoked  = "certificate_revoked"
	EventPolicyMissing       = "policy_missing"
)

// OutboundDurationBuckets are the histogram boundaries, in seconds, for calls to
// introspection endpoints and OCSP responders.
var OutboundDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Recorder records verification outcomes, security events and outbound call
// latency. A nil *Recorder is valid and records nothing.
type Recorder struct {
	tracer          trace.Tracer
	verifications   metric.Int64Counter
	securityEvents  metric.Int64Counter
	outboundLatency metric.Float64Histogram
}

// NewRecorder creates the instruments on the given providers.
func NewRecorder(mp metric.MeterProvider, tp trace.TracerProvider) (*Recorder, error) {
	meter := mp.Meter(instrumentationName)

	verifications, err := meter.Int64Counter(
		"bankguard_verifications",
		metric.WithDescription("Number of requirement evaluations by requirement and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications counter: %w", err)
	}

	securityEvents, err := meter.Int64Counter(
		"bankguard_security_events",
		metric.WithDescription("Number of security-relevant denials by event"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security events counter: %w", err)
	}

	outboundLatency, err := meter.Float64Histogram(
		"bankguard_outbound_duration",
		metric.WithDescription("Duration of calls to introspection endpoints and OCSP responders"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(OutboundDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound duration histogram: %w", err)
	}

	return &Recorder{
		tracer:          tp.Tracer(instrumentationName),
		verifications:   verifications,
		securityEvents:  securityEvents,
		outboundLatency: outboundLatency,
	}, nil
}

// Verification counts one requirement evaluation.
func (r *Recorder) Verification(ctx context.Context, requirement, outcome string) {
	if r == nil {
		return
	}
	r.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("requirement", requirement),
		attribute.String("outcome", outcome),
	))
}

// SecurityEvent counts one security event.
func (r *Recorder) SecurityEvent(ctx context.Context, event string) {
	if r == nil {
		return
	}
	r.securityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// StartOutbound starts a client span for a call to target and returns a function
// that ends it and records the latency. The returned function must be called once.
func (r *Recorder) StartOutbound(ctx context.Context, target string) (context.Context, func(error)) {
	if r == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "bankguard."+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("bankguard.target", target)),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.outboundLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("target", target)))
	}
}
