// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"context"
	"crypto"
	"encoding/asn1"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/stacklok/bankguard/pkg/logger"
	"github.com/stacklok/bankguard/pkg/testkit"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)

func newTestRequester(t *testing.T, ca *testkit.CA, url string, mutate ...func(*Config)) *Requester {
	t.Helper()
	cfg := Config{
		ResponderURL:    url,
		IssuerPEM:       ca.PEM(),
		Timeout:         2 * time.Second,
		AllowPrivateIPs: true,
		Now:             func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewRequester(cfg, logger.Discard())
	require.NoError(t, err)
	return r
}

func TestParseSerial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "short", input: "1F", want: 31},
		{name: "left padded", input: "0000001F", want: 31},
		{name: "lower case", input: "1f", want: 31},
		{name: "colon separated", input: "01:00", want: 256},
		{name: "full width", input: "0000000000000000000000000000001F", want: 31},
		{name: "empty", input: "", wantErr: true},
		{name: "not hex", input: "XYZ", wantErr: true},
		{name: "negative", input: "-1F", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSerial(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSerial)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, got.Cmp(big.NewInt(tt.want)))
		})
	}
}

func TestRequester_BuildRequest(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Issuing CA")
	r := newTestRequester(t, ca, "http://ocsp.example.com")

	t.Run("padding does not change the request", func(t *testing.T) {
		t.Parallel()
		short, err := r.BuildRequest("1F")
		require.NoError(t, err)
		padded, err := r.BuildRequest("0000001F")
		require.NoError(t, err)
		assert.Equal(t, short, padded)
	})

	t.Run("cert id matches x/crypto sha1 request", func(t *testing.T) {
		t.Parallel()
		leaf, _ := ca.IssueClient(t, "client", testkit.ClientOptions{Serial: big.NewInt(0x1F)})

		want, err := xocsp.CreateRequest(leaf, ca.Cert, &xocsp.RequestOptions{Hash: crypto.SHA1})
		require.NoError(t, err)
		wantReq, err := xocsp.ParseRequest(want)
		require.NoError(t, err)

		der, err := r.BuildRequest("1F")
		require.NoError(t, err)
		got, err := xocsp.ParseRequest(der)
		require.NoError(t, err)

		assert.Equal(t, crypto.SHA1, got.HashAlgorithm)
		assert.Equal(t, wantReq.IssuerNameHash, got.IssuerNameHash)
		assert.Equal(t, wantReq.IssuerKeyHash, got.IssuerKeyHash)
		assert.Equal(t, 0, got.SerialNumber.Cmp(big.NewInt(0x1F)))
	})

	t.Run("carries exactly one timestamp nonce", func(t *testing.T) {
		t.Parallel()
		der, err := r.BuildRequest("1F")
		require.NoError(t, err)

		var req ocspRequest
		_, err = asn1.Unmarshal(der, &req)
		require.NoError(t, err)
		require.Len(t, req.TBSRequest.RequestList, 1)
		require.Len(t, req.TBSRequest.RequestExtensions, 1)

		ext := req.TBSRequest.RequestExtensions[0]
		assert.True(t, ext.Id.Equal(oidOCSPNonce))
		assert.False(t, ext.Critical)

		var nonce []byte
		_, err = asn1.Unmarshal(ext.Value, &nonce)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(fixedNow.Unix()).Bytes(), nonce)
	})

	t.Run("nonce hook", func(t *testing.T) {
		t.Parallel()
		hooked := newTestRequester(t, ca, "http://ocsp.example.com", func(c *Config) {
			c.Nonce = func(time.Time) []byte { return []byte{0xde, 0xad, 0xbe, 0xef} }
		})
		der, err := hooked.BuildRequest("1F")
		require.NoError(t, err)

		var req ocspRequest
		_, err = asn1.Unmarshal(der, &req)
		require.NoError(t, err)
		var nonce []byte
		_, err = asn1.Unmarshal(req.TBSRequest.RequestExtensions[0].Value, &nonce)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, nonce)
	})

	t.Run("invalid serial", func(t *testing.T) {
		t.Parallel()
		_, err := r.BuildRequest("zz")
		assert.ErrorIs(t, err, ErrInvalidSerial)
	})
}

func TestRequester_Check(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Issuing CA")
	revokedAt := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	responder := testkit.NewOCSPResponder(t, ca)
	responder.SetGood("1F")
	responder.SetRevoked("2A", revokedAt, xocsp.KeyCompromise)

	r := newTestRequester(t, ca, responder.URL)

	tests := []struct {
		name   string
		serial string
		want   Status
	}{
		{name: "good", serial: "1F", want: StatusGood},
		{name: "good padded", serial: "0000001F", want: StatusGood},
		{name: "revoked", serial: "2A", want: StatusRevoked},
		{name: "unknown to responder", serial: "3B", want: StatusUnknown},
		{name: "invalid serial", serial: "not-hex", want: StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := r.Check(context.Background(), tt.serial)
			assert.Equal(t, tt.want, got.Status, "err: %v", got.Err)
		})
	}

	t.Run("revocation details", func(t *testing.T) {
		t.Parallel()
		got := r.Check(context.Background(), "2A")
		require.Equal(t, StatusRevoked, got.Status)
		assert.True(t, revokedAt.Equal(got.RevokedAt))
		assert.Equal(t, xocsp.KeyCompromise, got.RevocationReason)
		assert.False(t, got.NextUpdate.IsZero())
		assert.Equal(t, 0, got.SerialNumber.Cmp(big.NewInt(0x2A)))
	})

	t.Run("certificate", func(t *testing.T) {
		t.Parallel()
		leaf, _ := ca.IssueClient(t, "client", testkit.ClientOptions{Serial: big.NewInt(0x1F)})
		got := r.CheckCertificate(context.Background(), leaf)
		assert.Equal(t, StatusGood, got.Status)
		assert.True(t, got.Status.Authoritative())
	})
}

func TestRequester_Check_StatusCount(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Issuing CA")
	single := ca.SignResponse(t, xocsp.Response{Status: xocsp.Good, SerialNumber: big.NewInt(0x1F)})

	tests := []struct {
		name  string
		count int
		want  Status
	}{
		{name: "zero statuses", count: 0, want: StatusUnknown},
		{name: "one status", count: 1, want: StatusGood},
		{name: "two statuses", count: 2, want: StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := withStatusCount(t, single, tt.count)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(body)
			}))
			t.Cleanup(server.Close)

			got := newTestRequester(t, ca, server.URL).Check(context.Background(), "1F")
			assert.Equal(t, tt.want, got.Status)
			if tt.want == StatusUnknown {
				assert.ErrorIs(t, got.Err, ErrStatusCount)
				assert.False(t, got.Status.Authoritative())
			}
		})
	}
}

func TestRequester_Check_Failures(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Issuing CA")
	unsuccessful, err := asn1.Marshal(responseEnvelope{Status: 3})
	require.NoError(t, err)

	tests := []struct {
		name    string
		code    int
		body    []byte
		want    Status
		wantErr error
	}{
		{name: "server error", code: http.StatusInternalServerError, body: []byte("boom"), want: StatusError},
		{name: "not found", code: http.StatusNotFound, want: StatusError},
		{name: "garbage body", code: http.StatusOK, body: []byte("not der"), want: StatusError, wantErr: ErrMalformedResponse},
		{name: "try later", code: http.StatusOK, body: unsuccessful, want: StatusUnknown, wantErr: ErrNoBasicResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			responder := testkit.NewOCSPResponder(t, ca)
			responder.RespondRaw(tt.code, tt.body)

			got := newTestRequester(t, ca, responder.URL).Check(context.Background(), "1F")
			assert.Equal(t, tt.want, got.Status)
			require.Error(t, got.Err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, got.Err, tt.wantErr)
			}
			assert.Equal(t, int64(1), responder.Hits())
		})
	}

	t.Run("responder unreachable", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		got := newTestRequester(t, ca, url).Check(context.Background(), "1F")
		assert.Equal(t, StatusError, got.Status)
		assert.False(t, got.Status.Authoritative())
	})

	t.Run("responder too slow", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(server.Close)
		t.Cleanup(func() { close(release) })

		r := newTestRequester(t, ca, server.URL, func(c *Config) { c.Timeout = 50 * time.Millisecond })
		got := r.Check(context.Background(), "1F")
		assert.Equal(t, StatusError, got.Status)
	})

	t.Run("caller context cancelled", func(t *testing.T) {
		t.Parallel()
		responder := testkit.NewOCSPResponder(t, ca)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got := newTestRequester(t, ca, responder.URL).Check(ctx, "1F")
		assert.Equal(t, StatusError, got.Status)
		assert.ErrorIs(t, got.Err, context.Canceled)
	})
}

func TestRequester_VerifySignature(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Issuing CA")
	other := testkit.NewCA(t, "Other CA")

	t.Run("signed by issuer", func(t *testing.T) {
		t.Parallel()
		responder := testkit.NewOCSPResponder(t, ca)
		responder.SetGood("1F")

		r := newTestRequester(t, ca, responder.URL, func(c *Config) { c.VerifySignature = true })
		got := r.Check(context.Background(), "1F")
		assert.Equal(t, StatusGood, got.Status, "err: %v", got.Err)
	})

	t.Run("signed by someone else", func(t *testing.T) {
		t.Parallel()
		responder := testkit.NewOCSPResponder(t, other)
		responder.SetGood("1F")

		r := newTestRequester(t, ca, responder.URL, func(c *Config) { c.VerifySignature = true })
		got := r.Check(context.Background(), "1F")
		assert.Equal(t, StatusError, got.Status)
		assert.ErrorIs(t, got.Err, ErrBadSignature)
	})

	t.Run("not verified by default", func(t *testing.T) {
		t.Parallel()
		responder := testkit.NewOCSPResponder(t, other)
		responder.SetGood("1F")

		got := newTestRequester(t, ca, responder.URL).Check(context.Background(), "1F")
		assert.Equal(t, StatusGood, got.Status)
	})
}

func TestNewRequester(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Issuing CA")

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing url", cfg: Config{IssuerPEM: ca.PEM()}, wantErr: "responder URL is required"},
		{name: "missing issuer", cfg: Config{ResponderURL: "http://ocsp"}, wantErr: "no CERTIFICATE block"},
		{name: "valid", cfg: Config{ResponderURL: "http://ocsp/", IssuerPEM: ca.PEM()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRequester(tt.cfg, logger.Discard())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://ocsp", r.responderURL)
			assert.Equal(t, DefaultTimeout, r.timeout)
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "good", StatusGood.String())
	assert.Equal(t, "revoked", StatusRevoked.String())
	assert.Equal(t, "unknown", StatusUnknown.String())
	assert.Equal(t, "error", StatusError.String())

	assert.True(t, StatusGood.Authoritative())
	assert.True(t, StatusRevoked.Authoritative())
	assert.False(t, StatusUnknown.Authoritative())
	assert.False(t, StatusError.Authoritative())
}

// withStatusCount re-encodes a signed single-status response so that it carries
// count copies of its status. The signature no longer matches.
func withStatusCount(t *testing.T, der []byte, count int) []byte {
	t.Helper()

	var envelope responseEnvelope
	_, err := asn1.Unmarshal(der, &envelope)
	require.NoError(t, err)

	var basic basicResponse
	_, err = asn1.Unmarshal(envelope.Response.Response, &basic)
	require.NoError(t, err)
	require.Len(t, basic.TBSResponseData.Responses, 1)

	single := basic.TBSResponseData.Responses[0]
	responses := make([]asn1.RawValue, 0, count)
	for range count {
		responses = append(responses, single)
	}
	basic.TBSResponseData.Responses = responses

	envelope.Response.Response, err = asn1.Marshal(basic)
	require.NoError(t, err)
	out, err := asn1.Marshal(envelope)
	require.NoError(t, err)
	return out
}
