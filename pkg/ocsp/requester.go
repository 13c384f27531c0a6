// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ocsp queries an RFC 6960 OCSP responder for the revocation status of
// certificates issued by a single configured CA.
package ocsp

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/bankguard/pkg/networking"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// DefaultTimeout bounds one responder round trip when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// maxResponseSize caps how much of a responder body is read.
const maxResponseSize = 1 << 20

// Config configures a Requester.
type Config struct {
	// ResponderURL is the base URL of the OCSP responder.
	ResponderURL string
	// IssuerPEM is the PEM encoded certificate of the CA that issued the
	// certificates being checked.
	IssuerPEM []byte
	// Timeout bounds one lookup. Zero means DefaultTimeout.
	Timeout time.Duration
	// VerifySignature enables verification of the response signature against
	// the issuer (or a responder certificate the issuer signed).
	VerifySignature bool
	// AllowPrivateIPs permits responders on private or loopback addresses.
	AllowPrivateIPs bool

	// HTTPClient overrides the client built from the settings above.
	HTTPClient *http.Client
	// Now overrides the clock used for the request nonce.
	Now func() time.Time
	// Nonce overrides how the nonce is derived. Defaults to TimestampNonce.
	Nonce NonceFunc
	// Recorder receives spans and latency for responder calls. Optional.
	Recorder *telemetry.Recorder
}

// Requester performs OCSP lookups. It is safe for concurrent use.
type Requester struct {
	responderURL    string
	issuer          *x509.Certificate
	hashes          issuerHashes
	verifySignature bool
	timeout         time.Duration
	client          *http.Client
	now             func() time.Time
	nonce           NonceFunc
	recorder        *telemetry.Recorder
	logger          *slog.Logger
	group           singleflight.Group
}

// ParseIssuer decodes the first CERTIFICATE block of issuerPEM.
func ParseIssuer(issuerPEM []byte) (*x509.Certificate, error) {
	for len(issuerPEM) > 0 {
		var block *pem.Block
		block, issuerPEM = pem.Decode(issuerPEM)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse issuer certificate: %w", err)
		}
		return cert, nil
	}
	return nil, errors.New("no CERTIFICATE block found in issuer PEM")
}

// NewRequester creates a Requester for the given configuration.
func NewRequester(cfg Config, logger *slog.Logger) (*Requester, error) {
	if cfg.ResponderURL == "" {
		return nil, errors.New("OCSP responder URL is required")
	}

	issuer, err := ParseIssuer(cfg.IssuerPEM)
	if err != nil {
		return nil, err
	}

	hashes, err := hashIssuer(issuer)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client, err = networking.NewHttpClientBuilder().
			WithInsecureHTTP(true).
			WithPrivateIPs(cfg.AllowPrivateIPs).
			WithTimeout(timeout).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build OCSP HTTP client: %w", err)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	nonce := cfg.Nonce
	if nonce == nil {
		nonce = TimestampNonce
	}

	return &Requester{
		responderURL:    strings.TrimSuffix(cfg.ResponderURL, "/"),
		issuer:          issuer,
		hashes:          hashes,
		verifySignature: cfg.VerifySignature,
		timeout:         timeout,
		client:          client,
		now:             now,
		nonce:           nonce,
		recorder:        cfg.Recorder,
		logger:          logger,
	}, nil
}

// BuildRequest returns the DER encoded OCSP request for serialHex at the
// current clock time.
func (r *Requester) BuildRequest(serialHex string) ([]byte, error) {
	serial, err := ParseSerial(serialHex)
	if err != nil {
		return nil, err
	}
	return buildRequest(r.hashes, serial, r.nonce(r.now()))
}

// Check returns the revocation status of the certificate with the given
// hex serial number. Failures are reported as StatusError or StatusUnknown
// results, never as a Go error.
func (r *Requester) Check(ctx context.Context, serialHex string) Result {
	serial, err := ParseSerial(serialHex)
	if err != nil {
		return Result{Status: StatusError, Err: err}
	}
	return r.check(ctx, serial)
}

// CheckCertificate returns the revocation status of cert.
func (r *Requester) CheckCertificate(ctx context.Context, cert *x509.Certificate) Result {
	if cert == nil || cert.SerialNumber == nil {
		return Result{Status: StatusError, Err: ErrInvalidSerial}
	}
	return r.check(ctx, cert.SerialNumber)
}

func (r *Requester) check(ctx context.Context, serial *big.Int) Result {
	// Concurrent lookups for the same serial share one responder call. The
	// shared call is detached from any single caller's cancellation and is
	// bounded by the requester timeout instead.
	ch := r.group.DoChan(serial.Text(16), func() (any, error) {
		return r.fetch(context.WithoutCancel(ctx), serial), nil
	})

	select {
	case <-ctx.Done():
		return Result{Status: StatusError, SerialNumber: serial, Err: ctx.Err()}
	case res := <-ch:
		return res.Val.(Result)
	}
}

func (r *Requester) fetch(ctx context.Context, serial *big.Int) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, done := r.recorder.StartOutbound(ctx, "ocsp")
	result := r.query(ctx, serial)
	result.SerialNumber = serial
	if result.Status == StatusError {
		done(result.Err)
	} else {
		done(nil)
	}

	logger := r.logger.With("serial", serial.Text(16), "ocsp_status", result.Status.String())
	switch result.Status {
	case StatusGood:
		logger.DebugContext(ctx, "OCSP status good")
	case StatusRevoked:
		logger.WarnContext(ctx, "certificate reported revoked by OCSP responder",
			"security_event", telemetry.EventCertificateRevoked,
			"revoked_at", result.RevokedAt,
			"reason", result.RevocationReason,
		)
	default:
		logger.WarnContext(ctx, "OCSP status unavailable", "error", result.Err)
	}

	return result
}

func (r *Requester) query(ctx context.Context, serial *big.Int) Result {
	der, err := buildRequest(r.hashes, serial, r.nonce(r.now()))
	if err != nil {
		return Result{Status: StatusError, Err: err}
	}

	url := r.responderURL + "/" + base64.StdEncoding.EncodeToString(der)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("failed to create OCSP request: %w", err)}
	}
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("OCSP responder request failed: %w", err)}
	}
	defer resp.Body.Close()

	if !networking.IsSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return Result{Status: StatusError, Err: networking.NewHTTPError("ocsp responder", resp.StatusCode, r.responderURL)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("failed to read OCSP response: %w", err)}
	}

	var verifyWith *x509.Certificate
	if r.verifySignature {
		verifyWith = r.issuer
	}
	return decodeResponse(body, verifyWith)
}
