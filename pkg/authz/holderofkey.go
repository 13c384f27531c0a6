// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"log/slog"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// HolderOfKeyVerifier checks that the access token is bound to the client
// certificate the gateway forwarded a thumbprint for.
type HolderOfKeyVerifier struct {
	recorder *telemetry.Recorder
	logger   *slog.Logger
}

// NewHolderOfKeyVerifier creates a HolderOfKeyVerifier. recorder may be nil.
func NewHolderOfKeyVerifier(recorder *telemetry.Recorder, logger *slog.Logger) *HolderOfKeyVerifier {
	return &HolderOfKeyVerifier{recorder: recorder, logger: logger}
}

// Verify succeeds iff exactly one thumbprint header value is present, the
// token carries a cnf x5t#S256 member, and the two strings are equal.
// Comparison is exact and case-sensitive.
func (v *HolderOfKeyVerifier) Verify(ctx context.Context, vc *auth.VerificationContext) Verdict {
	if vc == nil || vc.Principal == nil {
		return fail(OutcomeUnevaluated, "no authenticated principal")
	}

	if len(vc.Thumbprints) != 1 {
		return v.mismatch(ctx, vc, "expected exactly one client certificate thumbprint",
			"thumbprint_headers", len(vc.Thumbprints))
	}
	presented := vc.Thumbprints[0]
	if presented == "" {
		return v.mismatch(ctx, vc, "client certificate thumbprint is empty")
	}

	bound, ok := confirmationThumbprint(vc.Principal.Confirmation)
	if !ok {
		return v.mismatch(ctx, vc, "access token is not certificate bound")
	}

	if presented != bound {
		return v.mismatch(ctx, vc, "client certificate does not match the access token binding")
	}
	return pass()
}

func (v *HolderOfKeyVerifier) mismatch(ctx context.Context, vc *auth.VerificationContext, reason string, attrs ...any) Verdict {
	v.recorder.SecurityEvent(ctx, telemetry.EventHolderOfKeyMismatch)
	args := append([]any{
		"security_event", telemetry.EventHolderOfKeyMismatch,
		"reason", reason,
		"subject", vc.Principal.Subject,
		"client_id", vc.Principal.ClientID,
	}, attrs...)
	v.logger.WarnContext(ctx, "holder-of-key check failed", args...)
	return fail(OutcomeHolderOfKeyMismatch, reason)
}

// confirmationThumbprint extracts cnf.x5t#S256. The claim must be a JSON
// object whose member is a non-empty string.
func confirmationThumbprint(cnf any) (string, bool) {
	obj, ok := cnf.(map[string]any)
	if !ok {
		return "", false
	}
	thumbprint, ok := obj[auth.ConfirmationThumbprintKey].(string)
	if !ok || thumbprint == "" {
		return "", false
	}
	return thumbprint, true
}
