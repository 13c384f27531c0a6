// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"log/slog"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// RevocationVerifier asks the token issuer whether the presented bearer token
// is still active.
type RevocationVerifier struct {
	introspector auth.Introspector
	recorder     *telemetry.Recorder
	logger       *slog.Logger
}

// NewRevocationVerifier creates a RevocationVerifier. recorder may be nil.
func NewRevocationVerifier(
	introspector auth.Introspector,
	recorder *telemetry.Recorder,
	logger *slog.Logger,
) *RevocationVerifier {
	return &RevocationVerifier{introspector: introspector, recorder: recorder, logger: logger}
}

// Verify succeeds iff the request carries exactly one Authorization header
// starting with "Bearer " and the issuer reports the token as active. A failed
// lookup yields OutcomeInfrastructureUnavailable, never OutcomeTokenRevoked.
func (v *RevocationVerifier) Verify(ctx context.Context, vc *auth.VerificationContext) Verdict {
	if vc == nil || len(vc.Authorization) != 1 {
		return fail(OutcomeTokenRevoked, "expected exactly one bearer access token")
	}
	token, ok := auth.BearerToken(vc.Authorization[0])
	if !ok {
		return fail(OutcomeTokenRevoked, "expected exactly one bearer access token")
	}

	active, err := v.introspector.Introspect(ctx, token)
	if err != nil {
		v.logger.WarnContext(ctx, "token introspection unavailable", "error", err)
		return fail(OutcomeInfrastructureUnavailable, "token status could not be verified")
	}
	if !active {
		v.recorder.SecurityEvent(ctx, telemetry.EventTokenRevoked)
		attrs := []any{"security_event", telemetry.EventTokenRevoked}
		if vc.Principal != nil {
			attrs = append(attrs, "subject", vc.Principal.Subject, "client_id", vc.Principal.ClientID)
		}
		v.logger.InfoContext(ctx, "access token is not active", attrs...)
		return fail(OutcomeTokenRevoked, "access token revoked")
	}
	return pass()
}
