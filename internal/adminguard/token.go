package adminguard

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

// tokenTTL is how long an issued admin bearer token remains valid.
const tokenTTL = 24 * time.Hour

var ErrInvalidCredentials = errors.New("invalid admin credentials")
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenIssuer issues and verifies admin bearer tokens for
// ADMIN_USERNAME/ADMIN_PASSWORD-authenticated sessions, signed with
// TOKEN_SIGNING_SECRET (spec.md §6). No example repo in this codebase's
// lineage pulls in a JWT library for this, so the token is a minimal
// HMAC-signed expiry stamp built on the standard library rather than a
// fabricated dependency.
type TokenIssuer struct {
	username string
	password string
	secret   []byte
}

// NewTokenIssuer builds an issuer. If secret is empty, a random
// process-lifetime secret is generated (spec.md §6: "if unset, a
// warning is logged and a process-lifetime random secret is used") —
// the warning itself is the caller's responsibility, since only the
// caller knows whether secret came from the environment.
func NewTokenIssuer(username, password, secret string) *TokenIssuer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &TokenIssuer{username: username, password: password, secret: key}
}

// Issue validates username/password and returns a signed bearer token.
func (t *TokenIssuer) Issue(username, password string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(username), []byte(t.username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(password), []byte(t.password)) != 1 {
		return "", ErrInvalidCredentials
	}

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(time.Now().Add(tokenTTL).Unix()))

	mac := hmac.New(sha256.New, t.secret)
	mac.Write(payload)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify reports whether token is well-formed, correctly signed, and unexpired.
func (t *TokenIssuer) Verify(token string) error {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(payload) != 8 {
		return ErrInvalidToken
	}
	wantSig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ErrInvalidToken
	}

	mac := hmac.New(sha256.New, t.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), wantSig) {
		return ErrInvalidToken
	}

	exp := int64(binary.BigEndian.Uint64(payload))
	if time.Now().Unix() > exp {
		return ErrInvalidToken
	}
	return nil
}
