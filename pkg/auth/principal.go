// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates bearer access tokens and assembles the per-request
// verification context consumed by the authorization policies.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ConfirmationThumbprintKey is the member of the cnf claim carrying the
// RFC 8705 certificate thumbprint.
const ConfirmationThumbprintKey = "x5t#S256"

// Principal is the authenticated caller of a request.
type Principal struct {
	// Subject is the sub claim. It is always set.
	Subject string

	// Issuer is the iss claim the token was issued under.
	Issuer string

	// ClientID is the client_id (or azp) claim, when present.
	ClientID string

	// Scopes are the space separated values of the scope claim.
	Scopes []string

	// Confirmation is the raw cnf claim. It is nil when the claim is absent and
	// may hold any JSON type when present.
	Confirmation any

	// Claims contains every claim of the token.
	Claims map[string]any

	// Token is the raw access token. It is redacted in String and MarshalJSON.
	Token string
}

// HasScope reports whether scope is one of the principal's scopes.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// String returns a string representation of the Principal with the token redacted.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Principal{Subject:%q, Issuer:%q}", p.Subject, p.Issuer)
}

// MarshalJSON redacts the token so principals are safe to log.
func (p *Principal) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}

	type safePrincipal struct {
		Subject  string   `json:"subject"`
		Issuer   string   `json:"issuer"`
		ClientID string   `json:"client_id,omitempty"`
		Scopes   []string `json:"scopes"`
		Token    string   `json:"token,omitempty"`
	}

	token := p.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safePrincipal{
		Subject:  p.Subject,
		Issuer:   p.Issuer,
		ClientID: p.ClientID,
		Scopes:   p.Scopes,
		Token:    token,
	})
}

// principalContextKey is the key used to store the Principal in the request context.
type principalContextKey struct{}

// WithPrincipal stores a Principal in the context.
// If principal is nil, the original context is returned unchanged.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the Principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok
}

// claimsToPrincipal converts validated JWT claims to a Principal.
// It requires the sub claim.
func claimsToPrincipal(claims jwt.MapClaims, token string) (*Principal, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim")
	}

	p := &Principal{
		Subject: sub,
		Claims:  claims,
		Token:   token,
	}
	if iss, ok := claims["iss"].(string); ok {
		p.Issuer = strings.TrimSpace(iss)
	}
	if clientID, ok := claims["client_id"].(string); ok {
		p.ClientID = clientID
	} else if azp, ok := claims["azp"].(string); ok {
		p.ClientID = azp
	}
	p.Scopes = scopesFromClaim(claims["scope"])
	if cnf, ok := claims["cnf"]; ok {
		p.Confirmation = cnf
	}

	return p, nil
}

// scopesFromClaim accepts both the RFC 8693 space separated string form and
// the JSON array form some issuers emit.
func scopesFromClaim(v any) []string {
	switch scope := v.(type) {
	case string:
		return strings.Fields(scope)
	case []any:
		scopes := make([]string, 0, len(scope))
		for _, s := range scope {
			if str, ok := s.(string); ok && str != "" {
				scopes = append(scopes, str)
			}
		}
		return scopes
	case []string:
		return append([]string(nil), scope...)
	default:
		return nil
	}
}
