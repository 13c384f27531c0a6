// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

// OCSPResponder is an httptest backed OCSP responder answering GET requests of
// the form {URL}/{base64 DER request}.
type OCSPResponder struct {
	*httptest.Server

	ca       *CA
	mu       sync.Mutex
	statuses map[string]ocsp.Response
	raw      []byte
	code     int
	hits     atomic.Int64
	requests []*ocsp.Request
}

// NewOCSPResponder starts a responder that signs responses with the CA key.
// Serials without a configured status are answered with ocsp.Unknown.
func NewOCSPResponder(t testing.TB, ca *CA) *OCSPResponder {
	t.Helper()

	r := &OCSPResponder{ca: ca, statuses: map[string]ocsp.Response{}}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// SetGood marks the serial (hex) good.
func (r *OCSPResponder) SetGood(serialHex string) {
	r.set(serialHex, ocsp.Response{Status: ocsp.Good})
}

// SetRevoked marks the serial (hex) revoked at revokedAt.
func (r *OCSPResponder) SetRevoked(serialHex string, revokedAt time.Time, reason int) {
	r.set(serialHex, ocsp.Response{Status: ocsp.Revoked, RevokedAt: revokedAt, RevocationReason: reason})
}

// RespondRaw makes every subsequent request answer with the given status code
// and body instead of a signed response.
func (r *OCSPResponder) RespondRaw(code int, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
	r.raw = body
}

// Hits returns how many requests the responder received.
func (r *OCSPResponder) Hits() int64 {
	return r.hits.Load()
}

// Requests returns the decoded requests received so far.
func (r *OCSPResponder) Requests() []*ocsp.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ocsp.Request(nil), r.requests...)
}

func (r *OCSPResponder) set(serialHex string, resp ocsp.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[strings.ToLower(strings.TrimLeft(serialHex, "0"))] = resp
}

func (r *OCSPResponder) serve(w http.ResponseWriter, req *http.Request) {
	r.hits.Add(1)

	r.mu.Lock()
	code, raw := r.code, r.raw
	r.mu.Unlock()
	if code != 0 {
		w.WriteHeader(code)
		_, _ = w.Write(raw)
		return
	}

	der, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(req.URL.Path, "/"))
	if err != nil {
		http.Error(w, "bad encoding", http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(der)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.requests = append(r.requests, ocspReq)
	template, ok := r.statuses[ocspReq.SerialNumber.Text(16)]
	r.mu.Unlock()
	if !ok {
		template = ocsp.Response{Status: ocsp.Unknown}
	}

	template.SerialNumber = ocspReq.SerialNumber
	template.ThisUpdate = time.Now().Add(-time.Minute).Truncate(time.Second)
	template.NextUpdate = time.Now().Add(time.Hour).Truncate(time.Second)

	body, err := ocsp.CreateResponse(r.ca.Cert, r.ca.Cert, template, r.ca.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(body)
}

// SignResponse signs an OCSP response for template with the CA key.
func (ca *CA) SignResponse(t testing.TB, template ocsp.Response) []byte {
	t.Helper()
	if template.ThisUpdate.IsZero() {
		template.ThisUpdate = time.Now().Add(-time.Minute).Truncate(time.Second)
	}
	body, err := ocsp.CreateResponse(ca.Cert, ca.Cert, template, ca.Key)
	require.NoError(t, err)
	return body
}

func loopbackIPs() []net.IP {
	return []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
}
