// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	discoveryAttempts        = 3
	discoveryInitialInterval = 250 * time.Millisecond
)

// Discovery holds the provider metadata bankguard needs from an issuer's
// /.well-known/openid-configuration document.
type Discovery struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// Discover fetches the discovery document of issuer. The document's issuer
// must match exactly. Transport failures are retried a few times; TLS
// verification failures and malformed documents are not.
func Discover(ctx context.Context, issuer string, client *http.Client) (*Discovery, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = discoveryInitialInterval
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		p, err := oidc.NewProvider(ctx, issuer)
		if err != nil && !retryableDiscoveryError(err) {
			return nil, backoff.Permanent(err)
		}
		return p, err
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(discoveryAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document for %s: %w", issuer, err)
	}

	var doc Discovery
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return &doc, nil
}

func retryableDiscoveryError(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return false
	}
	var certErr *tls.CertificateVerificationError
	return !errors.As(err, &certErr)
}
