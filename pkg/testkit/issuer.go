// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

// IssuerKeyID is the kid of the key Issuer signs tokens with.
const IssuerKeyID = "bankguard-test-key"

type introspectionReply struct {
	Active bool
	Exp    int64
}

// Issuer is a TLS httptest server standing in for an OpenID provider. It
// serves discovery, JWKS and RFC 7662 token introspection.
type Issuer struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu       sync.Mutex
	tokens   map[string]introspectionReply
	code     int
	delay    time.Duration
	lastAuth string
	hits     atomic.Int64
}

// NewIssuer starts an Issuer. Its issuer identifier is the server URL.
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.Import(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, IssuerKeyID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, pub.Set(jwk.KeyUsageKey, "sig"))
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(pub))
	jwks, err := json.Marshal(keySet)
	require.NoError(t, err)

	iss := &Issuer{key: key, tokens: map[string]introspectionReply{}}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 iss.URL,
			"authorization_endpoint": iss.URL + "/connect/authorize",
			"token_endpoint":         iss.URL + "/connect/token",
			"jwks_uri":               iss.URL + "/jwks",
			"introspection_endpoint": iss.URL + "/connect/introspect",
			"response_types_supported": []string{"code"},
			"subject_types_supported":  []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	r.Get("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	r.Post("/connect/introspect", iss.introspect)

	iss.Server = httptest.NewTLSServer(r)
	t.Cleanup(iss.Close)
	return iss
}

// Sign returns an RS256 JWT carrying claims. iss and exp default to the
// issuer URL and one hour from now.
func (i *Issuer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = i.URL
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = IssuerKeyID
	signed, err := token.SignedString(i.key)
	require.NoError(t, err)
	return signed
}

// SetActive records the introspection verdict for token.
func (i *Issuer) SetActive(token string, active bool, exp time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	reply := introspectionReply{Active: active}
	if !exp.IsZero() {
		reply.Exp = exp.Unix()
	}
	i.tokens[token] = reply
}

// FailIntrospection makes the introspection endpoint answer with code. Zero
// restores normal behaviour.
func (i *Issuer) FailIntrospection(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.code = code
}

// DelayIntrospection delays every introspection answer by d.
func (i *Issuer) DelayIntrospection(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delay = d
}

// IntrospectionHits returns how many introspection requests were received.
func (i *Issuer) IntrospectionHits() int64 {
	return i.hits.Load()
}

// LastIntrospectionAuth returns the Authorization header of the last
// introspection request.
func (i *Issuer) LastIntrospectionAuth() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastAuth
}

// WriteCA writes the server's TLS certificate to a file and returns its path,
// for use as a CA bundle.
func (i *Issuer) WriteCA(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issuer-ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func (i *Issuer) introspect(w http.ResponseWriter, r *http.Request) {
	i.hits.Add(1)

	i.mu.Lock()
	code, delay := i.code, i.delay
	i.lastAuth = r.Header.Get("Authorization")
	i.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	i.mu.Lock()
	reply, ok := i.tokens[r.PostForm.Get("token")]
	i.mu.Unlock()

	body := map[string]any{"active": ok && reply.Active}
	if ok && reply.Active && reply.Exp != 0 {
		body["exp"] = reply.Exp
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
