package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneModeAcceptsEveryone(t *testing.T) {
	v, err := NewVerifier(Config{})
	require.NoError(t, err)
	assert.False(t, v.Enabled())
	p, err := v.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, p.CanEdit())
}

func TestNewVerifierValidates(t *testing.T) {
	_, err := NewVerifier(Config{Mode: "hmac"})
	assert.Error(t, err)
	_, err = NewVerifier(Config{Mode: "jwks"})
	assert.Error(t, err)
	_, err = NewVerifier(Config{Mode: "basic"})
	assert.ErrorContains(t, err, "basic")
}

func TestHMACRoundTrip(t *testing.T) {
	v, err := NewVerifier(Config{Mode: "hmac", HMACSecret: "s3cret"})
	require.NoError(t, err)

	tok, err := v.Sign(Principal{Subject: "u1", Role: "Coordinator"}, time.Minute)
	require.NoError(t, err)
	p, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "u1", Role: "coordinator"}, p)
	assert.True(t, p.CanEdit())

	viewer, err := v.Sign(Principal{Subject: "u2"}, time.Minute)
	require.NoError(t, err)
	p, err = v.Verify(context.Background(), viewer)
	require.NoError(t, err)
	assert.Equal(t, "viewer", p.Role)
	assert.False(t, p.CanEdit())

	other, _ := NewVerifier(Config{Mode: "hmac", HMACSecret: "other"})
	_, err = other.Verify(context.Background(), tok)
	assert.ErrorContains(t, err, "bad signature")

	_, err = v.Verify(context.Background(), "not.a-token")
	assert.Error(t, err)
}

func TestHMACExpiry(t *testing.T) {
	v, err := NewVerifier(Config{Mode: "hmac", HMACSecret: "s3cret"})
	require.NoError(t, err)
	tok, err := v.Sign(Principal{Subject: "u1", Role: "editor"}, time.Minute)
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = v.Verify(context.Background(), tok)
	assert.ErrorContains(t, err, "expired")
}

func TestJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	v, err := NewVerifier(Config{Mode: "jwks", JWKSURL: srv.URL})
	require.NoError(t, err)

	tok := signRS256(t, key, "k1", `{"sub":"u1","role":"admin"}`)
	p, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role)

	_, err = v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "keys are cached")

	_, err = v.Verify(context.Background(), signRS256(t, key, "k2", `{"sub":"u1"}`))
	assert.ErrorContains(t, err, "k2")
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid, claims string) string {
	t.Helper()
	hdr := `{"alg":"RS256","kid":"` + kid + `"}`
	input := base64.RawURLEncoding.EncodeToString([]byte(hdr)) + "." + base64.RawURLEncoding.EncodeToString([]byte(claims))
	h := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	require.NoError(t, err)
	return strings.Join([]string{input, base64.RawURLEncoding.EncodeToString(sig)}, ".")
}
