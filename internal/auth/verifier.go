// Package auth verifies the bearer tokens UI shells present to the HTTP facade.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

const (
	ModeNone = "none"
	ModeHMAC = "hmac"
	ModeJWKS = "jwks"
)

// Roles allowed to run cluster commands. Any other role is read-only.
var editorRoles = map[string]bool{"editor": true, "coordinator": true, "admin": true}

// Config selects the verification mode. Mode "none" accepts every request as an editor.
type Config struct {
	Mode       string `mapstructure:"mode"` // none | hmac | jwks
	HMACSecret string `mapstructure:"hmac_secret"`
	JWKSURL    string `mapstructure:"jwks_url"`
	RoleClaim  string `mapstructure:"role_claim"`
}

// Verifier validates HS256 or RS256 JWTs and extracts the caller's role.
type Verifier struct {
	mode      string
	secret    []byte
	jwksURL   string
	roleClaim string
	http      *http.Client
	now       func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	cacheTTL  time.Duration
}

type Principal struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
}

// CanEdit reports whether the principal may run mutating commands.
func (p Principal) CanEdit() bool { return editorRoles[p.Role] }

func NewVerifier(cfg Config) (*Verifier, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeNone
	}
	switch mode {
	case ModeNone:
	case ModeHMAC:
		if cfg.HMACSecret == "" {
			return nil, eris.New("auth: hmac mode needs a secret")
		}
	case ModeJWKS:
		if cfg.JWKSURL == "" {
			return nil, eris.New("auth: jwks mode needs a JWKS URL")
		}
	default:
		return nil, eris.Errorf("auth: unsupported mode %q", cfg.Mode)
	}
	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "role"
	}
	return &Verifier{
		mode:      mode,
		secret:    []byte(cfg.HMACSecret),
		jwksURL:   cfg.JWKSURL,
		roleClaim: roleClaim,
		http:      &http.Client{Timeout: 5 * time.Second},
		now:       time.Now,
		cacheTTL:  10 * time.Minute,
	}, nil
}

// Enabled is false in mode "none".
func (v *Verifier) Enabled() bool { return v != nil && v.mode != ModeNone }

// Verify checks the token signature and expiry and returns its principal.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if !v.Enabled() {
		return Principal{Subject: "anonymous", Role: "editor"}, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, eris.New("auth: malformed token")
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := decodeSegment(segs[0], &hdr); err != nil {
		return Principal{}, eris.Wrap(err, "auth: header")
	}
	var claims map[string]any
	if err := decodeSegment(segs[1], &claims); err != nil {
		return Principal{}, eris.Wrap(err, "auth: claims")
	}
	sig, err := base64.RawURLEncoding.DecodeString(segs[2])
	if err != nil {
		return Principal{}, eris.Wrap(err, "auth: signature")
	}
	signingInput := []byte(segs[0] + "." + segs[1])

	switch v.mode {
	case ModeHMAC:
		if hdr.Alg != "HS256" {
			return Principal{}, eris.Errorf("auth: alg %q not allowed", hdr.Alg)
		}
		mac := hmac.New(sha256.New, v.secret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, eris.New("auth: bad signature")
		}
	case ModeJWKS:
		if hdr.Alg != "RS256" {
			return Principal{}, eris.Errorf("auth: alg %q not allowed", hdr.Alg)
		}
		pub, err := v.publicKey(ctx, hdr.Kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, eris.New("auth: bad signature")
		}
	}

	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return Principal{}, eris.New("auth: token expired")
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims[v.roleClaim].(string)
	if role == "" {
		role = "viewer"
	}
	return Principal{Subject: sub, Role: strings.ToLower(role)}, nil
}

// Sign issues an HS256 token. It backs local tooling and tests in hmac mode.
func (v *Verifier) Sign(p Principal, ttl time.Duration) (string, error) {
	if v.mode != ModeHMAC {
		return "", eris.New("auth: signing needs hmac mode")
	}
	hdr, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims, err := json.Marshal(map[string]any{"sub": p.Subject, v.roleClaim: p.Role, "exp": v.now().Add(ttl).Unix()})
	if err != nil {
		return "", eris.Wrap(err, "auth: claims")
	}
	input := base64.RawURLEncoding.EncodeToString(hdr) + "." + base64.RawURLEncoding.EncodeToString(claims)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSegment(seg string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// publicKey returns the RSA key for kid, refetching the JWKS when the cache is stale
// or the kid is unknown.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := v.fetchJWKS(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, eris.Errorf("auth: kid %q not in JWKS", kid)
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return eris.Wrap(err, "auth: jwks request")
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "auth: fetch jwks")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("auth: fetch jwks: status %d", resp.StatusCode)
	}
	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return eris.Wrap(err, "auth: decode jwks")
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
