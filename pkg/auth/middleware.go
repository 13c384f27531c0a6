// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/stacklok/bankguard/pkg/api/errors"
)

//go:generate mockgen -destination=mocks/mock_authenticator.go -package=mocks -source=middleware.go Authenticator

// BearerPrefix is the case-sensitive prefix of a bearer Authorization header.
const BearerPrefix = "Bearer "

// Authenticator turns a bearer token into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// BearerToken extracts the token from a single Authorization header value.
// The "Bearer " prefix is matched case-sensitively.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	return token, token != ""
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}

// WWWAuthenticate builds an RFC 6750 WWW-Authenticate value. realm is always
// included when set; errCode and errDescription only when non-empty.
func WWWAuthenticate(realm, errCode, errDescription string) string {
	var parts []string
	if realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(realm)))
	}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, errCode))
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
		}
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Middleware returns an HTTP middleware that authenticates the bearer token
// and stores the resulting Principal in the request context. Requests without
// a valid token are rejected with 401.
func Middleware(authn Authenticator, realm string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, realm, "", "Authorization header required")
				return
			}

			token, ok := BearerToken(authHeader)
			if !ok {
				unauthorized(w, realm, "invalid_request", "Invalid Authorization header format")
				return
			}

			principal, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				logger.DebugContext(r.Context(), "bearer token rejected", "error", err)
				unauthorized(w, realm, "invalid_token", "The access token is invalid")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func unauthorized(w http.ResponseWriter, realm, errCode, description string) {
	w.Header().Set("WWW-Authenticate", WWWAuthenticate(realm, errCode, description))
	code := errCode
	if code == "" {
		code = "invalid_token"
	}
	apierrors.WriteJSON(w, http.StatusUnauthorized, apierrors.Body{
		Error:            code,
		ErrorDescription: description,
	})
}
