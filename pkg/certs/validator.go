// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package certs validates mTLS client certificates against a single pinned
// root CA and computes RFC 8705 certificate thumbprints.
package certs

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// ErrNoCertificate is returned when PEM data holds no CERTIFICATE block.
var ErrNoCertificate = errors.New("no certificate found in PEM data")

// CertificateError reports why a client certificate was rejected. It is the
// only error type Validate returns, so callers can map it to a client error.
type CertificateError struct {
	// Reason is a short description safe to return to the client.
	Reason string
	// Err is the underlying verification error, if any.
	Err error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("client certificate rejected: %s: %v", e.Reason, e.Err)
	}
	return "client certificate rejected: " + e.Reason
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// IsCertificateError reports whether err is, or wraps, a *CertificateError.
func IsCertificateError(err error) bool {
	var certErr *CertificateError
	return errors.As(err, &certErr)
}

// LoadRoot reads the pinned root CA certificate from a PEM file.
func LoadRoot(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read root CA %s: %w", path, err)
	}
	root, err := ParseRoot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load root CA %s: %w", path, err)
	}
	return root, nil
}

// ParseRoot decodes the first CERTIFICATE block in data.
func ParseRoot(data []byte) (*x509.Certificate, error) {
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		return x509.ParseCertificate(block.Bytes)
	}
	return nil, ErrNoCertificate
}

// Thumbprint returns the base64url (unpadded) SHA-256 digest of the DER
// encoding of cert, the x5t#S256 confirmation value of RFC 8705.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the time certificates are validated at.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// Validator verifies client certificates chain to the pinned root. It performs
// no revocation checking. It is safe for concurrent use.
type Validator struct {
	root   *x509.Certificate
	roots  *x509.CertPool
	now    func() time.Time
	logger *slog.Logger
}

// NewValidator creates a Validator trusting only root.
func NewValidator(root *x509.Certificate, logger *slog.Logger, opts ...Option) *Validator {
	roots := x509.NewCertPool()
	roots.AddCert(root)

	v := &Validator{
		root:   root,
		roots:  roots,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks that cert chains to the pinned root, optionally through the
// supplied intermediates, and is valid for client authentication. Every
// failure is a *CertificateError.
func (v *Validator) Validate(cert *x509.Certificate, intermediates ...*x509.Certificate) error {
	if cert == nil {
		return &CertificateError{Reason: "no client certificate presented"}
	}

	pool := x509.NewCertPool()
	for _, c := range intermediates {
		pool.AddCert(c)
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: pool,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		certErr := &CertificateError{Reason: describe(err), Err: err}
		v.logger.Debug("client certificate chain could not be built",
			"subject", cert.Subject.String(), "reason", certErr.Reason)
		return certErr
	}

	// Every built chain must end at the pinned root.
	for _, chain := range chains {
		if problem := v.chainProblem(chain); problem != "" {
			return &CertificateError{Reason: problem}
		}
	}

	return nil
}

func (v *Validator) chainProblem(chain []*x509.Certificate) string {
	if len(chain) == 0 {
		return "empty certificate chain"
	}
	anchor := chain[len(chain)-1]
	if !bytes.Equal(anchor.Raw, v.root.Raw) {
		return "certificate chain does not terminate at the trusted root"
	}
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return fmt.Sprintf("certificate %q has an invalid signature", chain[i].Subject.CommonName)
		}
	}
	return ""
}

func describe(err error) string {
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return "certificate is not issued by the trusted root"
	}

	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		switch invalid.Reason {
		case x509.Expired:
			return "certificate has expired or is not yet valid"
		case x509.IncompatibleUsage:
			return "certificate is not valid for client authentication"
		case x509.NotAuthorizedToSign:
			return "issuer is not authorized to sign certificates"
		case x509.TooManyIntermediates:
			return "certificate chain is too long"
		default:
			return "certificate is invalid"
		}
	}

	return "certificate chain could not be verified"
}
