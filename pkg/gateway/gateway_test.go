// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	apierrors "github.com/stacklok/bankguard/pkg/api/errors"
	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/certs"
	"github.com/stacklok/bankguard/pkg/logger"
	"github.com/stacklok/bankguard/pkg/ocsp"
	"github.com/stacklok/bankguard/pkg/testkit"
)

// newUpstream echoes the identity headers it received.
func newUpstream(t *testing.T) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]string{
			"thumbprint":     r.Header.Values(auth.DefaultThumbprintHeader),
			"cn":             r.Header.Values(auth.DefaultCommonNameHeader),
			"forwarded_host": r.Header.Values(auth.DefaultForwardedHostHeader),
		})
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func newTestGateway(t *testing.T, ca *testkit.CA, mutate ...func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		Upstream:  newUpstream(t),
		Validator: certs.NewValidator(ca.Cert, logger.Discard()),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	g, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	return g
}

func mtlsRequest(chain ...*x509.Certificate) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "https://bank.example.com/connect/userinfo", nil)
	if len(chain) > 0 {
		r.TLS = &tls.ConnectionState{PeerCertificates: chain}
	}
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder) apierrors.Body {
	t.Helper()
	var body apierrors.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNew(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	_, err := New(Config{Validator: certs.NewValidator(ca.Cert, logger.Discard())}, logger.Discard())
	require.Error(t, err)

	_, err = New(Config{Upstream: &url.URL{Scheme: "http", Host: "localhost"}}, logger.Discard())
	require.Error(t, err)
}

func TestGateway_ForwardsCertificateIdentity(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	cert, _ := ca.IssueClient(t, "adr-client-1", testkit.ClientOptions{})
	g := newTestGateway(t, ca)

	r := mtlsRequest(cert)
	r.Header.Set(auth.DefaultThumbprintHeader, "spoofed")
	r.Header.Add(auth.DefaultThumbprintHeader, "spoofed-again")
	r.Header.Set(auth.DefaultCommonNameHeader, "admin")
	r.Header.Set(auth.DefaultForwardedHostHeader, "evil.example.com")

	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var seen map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &seen))
	assert.Equal(t, []string{certs.Thumbprint(cert)}, seen["thumbprint"])
	assert.Equal(t, []string{"adr-client-1"}, seen["cn"])
	assert.Equal(t, []string{"bank.example.com"}, seen["forwarded_host"])
}

func TestGateway_CustomHeaderNames(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	cert, _ := ca.IssueClient(t, "adr-client-1", testkit.ClientOptions{})
	g := newTestGateway(t, ca, func(cfg *Config) {
		cfg.Headers = auth.HeaderNames{Thumbprint: "X-Cert-Thumb"}
	})
	assert.Equal(t, "X-Cert-Thumb", g.headers.Thumbprint)
	assert.Equal(t, auth.DefaultCommonNameHeader, g.headers.CommonName)
	assert.Equal(t, auth.DefaultForwardedHostHeader, g.headers.ForwardedHost)

	w := httptest.NewRecorder()
	g.ServeHTTP(w, mtlsRequest(cert))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGateway_RejectsCertificates(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	foreign := testkit.NewCA(t, "Foreign")
	g := newTestGateway(t, ca)

	foreignCert, _ := foreign.IssueClient(t, "intruder", testkit.ClientOptions{})
	expired, _ := ca.IssueClient(t, "stale", testkit.ClientOptions{
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	})

	tests := []struct {
		name string
		req  *http.Request
	}{
		{name: "no certificate", req: mtlsRequest()},
		{name: "foreign root", req: mtlsRequest(foreignCert)},
		{name: "expired", req: mtlsRequest(expired)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			g.ServeHTTP(w, tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, ErrorInvalidCertificate, body.Error)
			assert.NotContains(t, w.Body.String(), "x509:")
		})
	}
}

func TestGateway_Revocation(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")

	tests := []struct {
		name      string
		setup     func(resp *testkit.OCSPResponder, serial string)
		wantCode  int
		wantError string
	}{
		{
			name:     "good",
			setup:    func(resp *testkit.OCSPResponder, serial string) { resp.SetGood(serial) },
			wantCode: http.StatusOK,
		},
		{
			name: "revoked",
			setup: func(resp *testkit.OCSPResponder, serial string) {
				resp.SetRevoked(serial, time.Now().Add(-time.Hour), 1)
			},
			wantCode:  http.StatusBadRequest,
			wantError: ErrorCertificateRevoked,
		},
		{
			name:      "unknown",
			setup:     func(*testkit.OCSPResponder, string) {},
			wantCode:  http.StatusBadGateway,
			wantError: ErrorStatusUnavailable,
		},
		{
			name: "responder outage",
			setup: func(resp *testkit.OCSPResponder, _ string) {
				resp.RespondRaw(http.StatusInternalServerError, nil)
			},
			wantCode:  http.StatusBadGateway,
			wantError: ErrorStatusUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cert, _ := ca.IssueClient(t, "adr-client-1", testkit.ClientOptions{})
			responder := testkit.NewOCSPResponder(t, ca)
			tt.setup(responder, cert.SerialNumber.Text(16))

			requester, err := ocsp.NewRequester(ocsp.Config{
				ResponderURL:    responder.URL,
				IssuerPEM:       ca.PEM(),
				AllowPrivateIPs: true,
			}, logger.Discard())
			require.NoError(t, err)

			g := newTestGateway(t, ca, func(cfg *Config) { cfg.Revocation = requester })
			w := httptest.NewRecorder()
			g.ServeHTTP(w, mtlsRequest(cert))

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decode(t, w).Error)
			}
			assert.Equal(t, int64(1), responder.Hits())
		})
	}
}

func TestGateway_RateLimit(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	first, _ := ca.IssueClient(t, "adr-1", testkit.ClientOptions{})
	second, _ := ca.IssueClient(t, "adr-2", testkit.ClientOptions{})
	g := newTestGateway(t, ca, func(cfg *Config) {
		cfg.RateLimit = rate.Every(time.Hour)
	})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, mtlsRequest(first))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	g.ServeHTTP(w, mtlsRequest(first))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, ErrorRateLimited, decode(t, w).Error)

	w = httptest.NewRecorder()
	g.ServeHTTP(w, mtlsRequest(second))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateway_UpstreamFailureIsSanitized(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	cert, _ := ca.IssueClient(t, "adr-client-1", testkit.ClientOptions{})

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL, err := url.Parse(dead.URL)
	require.NoError(t, err)
	dead.Close()

	g := newTestGateway(t, ca, func(cfg *Config) { cfg.Upstream = deadURL })
	w := httptest.NewRecorder()
	g.ServeHTTP(w, mtlsRequest(cert))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, ErrorUpstreamUnavailable, decode(t, w).Error)
	assert.NotContains(t, w.Body.String(), deadURL.Host)
}

func TestServe_MutualTLS(t *testing.T) {
	t.Parallel()

	ca := testkit.NewCA(t, "Root")
	serverCert, serverKey := ca.IssueServer(t)
	clientCert, clientKey := ca.IssueClient(t, "adr-client-1", testkit.ClientOptions{})

	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certFile, testkit.CertPEM(serverCert), 0o600))
	require.NoError(t, os.WriteFile(keyFile, testkit.KeyPEM(t, serverKey), 0o600))

	tlsConfig, err := TLSConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAnyClientCert, tlsConfig.ClientAuth)

	_, err = TLSConfig(filepath.Join(dir, "missing.crt"), keyFile)
	require.Error(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, tls.NewListener(listener, tlsConfig), newTestGateway(t, ca), logger.Discard())
	}()

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)
	client := func(cert *x509.Certificate, key *ecdsa.PrivateKey) *http.Client {
		cfg := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}
		if cert != nil {
			cfg.Certificates = []tls.Certificate{{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}}
		}
		return &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}, Timeout: 5 * time.Second}
	}
	target := "https://" + listener.Addr().String() + "/connect/userinfo"

	resp, err := client(clientCert, clientKey).Get(target)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The handshake itself fails without a client certificate.
	_, err = client(nil, nil).Get(target)
	require.Error(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
