// Package testoidc runs an in-process OIDC issuer that signs RS256 tokens,
// so token verification can be tested without an identity provider.
package testoidc

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const keyID = "messaging-test-1"

// Issuer is a discovery document plus JWKS endpoint backed by one RSA key.
type Issuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
}

// Start launches the issuer and closes it when the test ends.
func Start(t testing.TB) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	iss := &Issuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("/jwks", iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

// URL is the issuer identifier placed in every token.
func (i *Issuer) URL() string { return i.server.URL }

// Claims are the identity claims written into a token. Empty fields are omitted.
type Claims struct {
	Subject           string
	PreferredUsername string
	UPN               string
	TTL               time.Duration
}

// IssueToken signs a token for subject with a one hour expiry.
func (i *Issuer) IssueToken(subject string) (string, error) {
	return i.Issue(Claims{Subject: subject, PreferredUsername: subject})
}

// Issue signs a token carrying claims. A negative TTL yields an expired token.
func (i *Issuer) Issue(c Claims) (string, error) {
	ttl := c.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	now := time.Now()
	payload := map[string]any{
		"iss": i.server.URL,
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if c.Subject != "" {
		payload["sub"] = c.Subject
	}
	if c.PreferredUsername != "" {
		payload["preferred_username"] = c.PreferredUsername
	}
	if c.UPN != "" {
		payload["upn"] = c.UPN
	}
	return i.sign(payload)
}

func (i *Issuer) sign(payload map[string]any) (string, error) {
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": keyID})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	input := b64(header) + "." + b64(body)
	digest := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, i.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return input + "." + b64(sig), nil
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := i.server.URL
	writeJSON(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/auth",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := &i.key.PublicKey
	e := make([]byte, 4)
	binary.BigEndian.PutUint32(e, uint32(pub.E))
	for len(e) > 1 && e[0] == 0 {
		e = e[1:]
	}
	writeJSON(w, map[string]any{"keys": []map[string]any{{
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"kid": keyID,
		"n":   b64(pub.N.Bytes()),
		"e":   b64(e),
	}}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
