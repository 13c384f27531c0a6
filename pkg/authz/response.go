// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/stacklok/bankguard/pkg/api/errors"
	"github.com/stacklok/bankguard/pkg/auth"
)

// OAuth 2.0 error codes used in response bodies and challenges.
const (
	ErrorInvalidToken           = "invalid_token"
	ErrorInsufficientScope      = "insufficient_scope"
	ErrorTemporarilyUnavailable = "temporarily_unavailable"
	ErrorServerError            = "server_error"
)

// Catalogued problems. Codes are stable and clients may branch on them.
var (
	ProblemHolderOfKeyMismatch = apierrors.Problem{
		Code:   "urn:bankguard:error:holder-of-key-mismatch",
		Title:  "Holder-of-key check failed",
		Detail: "holder-of-key check failed",
	}
	ProblemTokenRevoked = apierrors.Problem{
		Code:   "urn:bankguard:error:token-revoked",
		Title:  "Access token revoked",
		Detail: "access token revoked",
	}
	ProblemVerificationUnavailable = apierrors.Problem{
		Code:   "urn:bankguard:error:verification-unavailable",
		Title:  "Verification unavailable",
		Detail: "verification unavailable",
	}
)

// WriteDecision writes the HTTP response for a denied decision.
func WriteDecision(w http.ResponseWriter, d Decision, realm string, retryAfter time.Duration) {
	if d.Err != nil {
		writeServerError(w)
		return
	}

	switch d.Outcome {
	case OutcomeSuccess:
		// Nothing to write for an allowed request.
	case OutcomeHolderOfKeyMismatch:
		writeProblem(w, http.StatusUnauthorized, realm, ErrorInvalidToken, ProblemHolderOfKeyMismatch)
	case OutcomeTokenRevoked:
		writeProblem(w, http.StatusUnauthorized, realm, ErrorInvalidToken, ProblemTokenRevoked)
	case OutcomeInfrastructureUnavailable:
		seconds := int(retryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		apierrors.WriteJSON(w, http.StatusServiceUnavailable, apierrors.Body{
			Error:            ErrorTemporarilyUnavailable,
			ErrorDescription: ProblemVerificationUnavailable.Detail,
			Errors:           []apierrors.Problem{ProblemVerificationUnavailable},
		})
	case OutcomeScopeInsufficient:
		w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate("", ErrorInsufficientScope, ""))
		apierrors.WriteJSON(w, http.StatusForbidden, apierrors.Body{
			Error:            ErrorInsufficientScope,
			ErrorDescription: d.Reason,
		})
	default:
		reason := d.Reason
		if reason == "" {
			reason = "The access token is invalid"
		}
		w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(realm, ErrorInvalidToken, reason))
		apierrors.WriteJSON(w, http.StatusUnauthorized, apierrors.Body{
			Error:            ErrorInvalidToken,
			ErrorDescription: reason,
		})
	}
}

func writeProblem(w http.ResponseWriter, status int, realm, errCode string, problem apierrors.Problem) {
	w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(realm, errCode, problem.Detail))
	apierrors.WriteJSON(w, status, apierrors.Body{
		Error:            errCode,
		ErrorDescription: problem.Detail,
		Errors:           []apierrors.Problem{problem},
	})
}

func writeUnauthenticated(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate(realm, "", ""))
	apierrors.WriteJSON(w, http.StatusUnauthorized, apierrors.Body{
		Error:            ErrorInvalidToken,
		ErrorDescription: "Authorization header required",
	})
}

func writeServerError(w http.ResponseWriter) {
	apierrors.WriteJSON(w, http.StatusInternalServerError, apierrors.Body{
		Error:            ErrorServerError,
		ErrorDescription: http.StatusText(http.StatusInternalServerError),
	})
}
