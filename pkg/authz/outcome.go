// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz evaluates the named authorization policies protecting the
// authorization server endpoints and maps their outcome to HTTP responses.
package authz

// Outcome is the result of evaluating one requirement, or the aggregate
// result of a policy evaluation.
type Outcome int

const (
	// OutcomeSuccess means the requirement was satisfied.
	OutcomeSuccess Outcome = iota
	// OutcomeScopeInsufficient means none of the required scopes was granted.
	OutcomeScopeInsufficient
	// OutcomeHolderOfKeyMismatch means the token is not bound to the presented
	// client certificate.
	OutcomeHolderOfKeyMismatch
	// OutcomeTokenRevoked means the issuer no longer considers the token active.
	OutcomeTokenRevoked
	// OutcomeInfrastructureUnavailable means the requirement could not be
	// checked. It is a deny.
	OutcomeInfrastructureUnavailable
	// OutcomeUnevaluated means the requirement could not be evaluated with the
	// request as presented. The verdict carries the reason.
	OutcomeUnevaluated
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeScopeInsufficient:
		return "scope_insufficient"
	case OutcomeHolderOfKeyMismatch:
		return "holder_of_key_mismatch"
	case OutcomeTokenRevoked:
		return "token_revoked"
	case OutcomeInfrastructureUnavailable:
		return "infrastructure_unavailable"
	case OutcomeUnevaluated:
		return "unevaluated"
	default:
		return "unknown"
	}
}

// Requirement names used in logs and metrics.
const (
	RequirementScope       = "scope"
	RequirementHolderOfKey = "holder_of_key"
	RequirementRevocation  = "token_revocation"
)

// Verdict is the outcome of one requirement check.
type Verdict struct {
	Outcome Outcome
	// Reason describes a failure. It is safe to return to the caller.
	Reason string
}

// OK reports whether the verdict is a success.
func (v Verdict) OK() bool {
	return v.Outcome == OutcomeSuccess
}

func pass() Verdict {
	return Verdict{Outcome: OutcomeSuccess}
}

func fail(outcome Outcome, reason string) Verdict {
	return Verdict{Outcome: outcome, Reason: reason}
}
