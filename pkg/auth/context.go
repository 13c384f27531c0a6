// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"
)

// Default names of the headers the gateway forwards.
const (
	DefaultThumbprintHeader    = "X-TlsClientCertThumbprint"
	DefaultCommonNameHeader    = "X-TlsClientCertCN"
	DefaultForwardedHostHeader = "X-Forwarded-Host"
)

// HeaderNames names the headers carrying gateway-forwarded certificate data.
type HeaderNames struct {
	Thumbprint    string
	CommonName    string
	ForwardedHost string
}

// DefaultHeaderNames returns the default header names.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Thumbprint:    DefaultThumbprintHeader,
		CommonName:    DefaultCommonNameHeader,
		ForwardedHost: DefaultForwardedHostHeader,
	}
}

// IssuerResolver resolves the issuer identifier tokens presented on a request
// must have been issued under.
type IssuerResolver interface {
	ExpectedIssuer(r *http.Request) string
}

// StaticIssuer resolves every request to the same issuer.
type StaticIssuer string

// ExpectedIssuer implements IssuerResolver.
func (s StaticIssuer) ExpectedIssuer(*http.Request) string {
	return string(s)
}

// ForwardedHostIssuer resolves the issuer to https://{forwarded host}{BasePath}.
// Requests without the forwarded host header resolve to Fallback.
type ForwardedHostIssuer struct {
	Header   string
	BasePath string
	Fallback string
}

// ExpectedIssuer implements IssuerResolver.
func (f ForwardedHostIssuer) ExpectedIssuer(r *http.Request) string {
	header := f.Header
	if header == "" {
		header = DefaultForwardedHostHeader
	}
	host := strings.TrimSpace(r.Header.Get(header))
	if host == "" {
		return f.Fallback
	}
	return "https://" + host + f.BasePath
}

// VerificationContext is the per-request input to policy evaluation. It is
// owned by the request and must not be retained after it completes.
type VerificationContext struct {
	// Principal is the authenticated caller. Nil when unauthenticated.
	Principal *Principal

	// Authorization holds every Authorization header value.
	Authorization []string

	// Thumbprints holds every value of the forwarded thumbprint header.
	Thumbprints []string

	// ExpectedIssuer is the issuer resolved for this request.
	ExpectedIssuer string
}

// NewVerificationContext assembles the verification context for r.
func NewVerificationContext(
	r *http.Request,
	principal *Principal,
	headers HeaderNames,
	issuer IssuerResolver,
) *VerificationContext {
	thumbprintHeader := headers.Thumbprint
	if thumbprintHeader == "" {
		thumbprintHeader = DefaultThumbprintHeader
	}

	vc := &VerificationContext{
		Principal:     principal,
		Authorization: append([]string(nil), r.Header.Values("Authorization")...),
		Thumbprints:   append([]string(nil), r.Header.Values(thumbprintHeader)...),
	}
	if issuer != nil {
		vc.ExpectedIssuer = issuer.ExpectedIssuer(r)
	}
	return vc
}

// GrantedScopes returns the principal's scopes when the principal was issued
// under the expected issuer, and nil otherwise.
func (vc *VerificationContext) GrantedScopes() []string {
	if vc == nil || vc.Principal == nil || vc.ExpectedIssuer == "" {
		return nil
	}
	if vc.Principal.Issuer != vc.ExpectedIssuer {
		return nil
	}
	return vc.Principal.Scopes
}
