// Package auth verifies the signed, expiring tokens that admit a client to a
// session's live relay. A token is "<expiry>.<signature>" where expiry is
// unix milliseconds and signature is base64url(HMAC-SHA256(secret,
// sessionID + expiry)).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 16

var (
	ErrMissingToken   = errors.New("missing token")
	ErrMalformedToken = errors.New("malformed token")
	ErrExpiredToken   = errors.New("token expired")
	ErrBadSignature   = errors.New("token signature mismatch")
	ErrWeakSecret     = fmt.Errorf("signing secret must be at least %d characters", MinSecretLength)
)

type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of v that reads time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	c := *v
	c.now = now
	return &c
}

func (v *Verifier) sign(sessionID, expiry string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(sessionID + expiry))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign issues a token for sessionID that expires at expiresAt.
func (v *Verifier) Sign(sessionID string, expiresAt time.Time) string {
	expiry := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	return expiry + "." + v.sign(sessionID, expiry)
}

// Verify checks token against sessionID. The signature comparison is
// constant time.
func (v *Verifier) Verify(sessionID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	expiry, sig, ok := strings.Cut(token, ".")
	if !ok || expiry == "" || sig == "" {
		return ErrMalformedToken
	}
	ms, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil || ms <= 0 {
		return ErrMalformedToken
	}
	want := v.sign(sessionID, expiry)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrBadSignature
	}
	if !v.now().Before(time.UnixMilli(ms)) {
		return ErrExpiredToken
	}
	return nil
}

// TokenFromRequest reads a bearer token, falling back to the "token" query
// parameter for browser WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if tok, ok := ParseBearer(r); ok {
		return tok, true
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, true
	}
	return "", false
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
