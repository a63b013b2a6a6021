// Package auth issues and validates the short-lived bearer tokens that
// gate destructive admin operations.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenTTL = time.Hour

var (
	ErrBadPassword  = errors.New("wrong admin password")
	ErrInvalidToken = errors.New("invalid admin token")
	ErrExpiredToken = errors.New("expired admin token")
)

// Admin checks the configured password and mints HMAC-signed bearer
// tokens with a fixed lifetime. Tokens are stateless: validation is
// signature plus age, there is no revocation list.
type Admin struct {
	secret       []byte
	password     string
	passwordHash []byte
	ttl          time.Duration

	now func() time.Time
}

// New creates an Admin. When passwordHash (a bcrypt hash) is set it
// takes precedence over the plaintext password.
func New(secret, password, passwordHash string, ttl time.Duration) *Admin {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Admin{
		secret:       []byte(secret),
		password:     password,
		passwordHash: []byte(passwordHash),
		ttl:          ttl,
		now:          time.Now,
	}
}

// TTLSeconds is the token lifetime reported to clients.
func (a *Admin) TTLSeconds() int64 {
	return int64(a.ttl / time.Second)
}

// Login checks the password and returns a fresh token.
func (a *Admin) Login(password string) (string, error) {
	if len(a.passwordHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
			return "", ErrBadPassword
		}
	} else if subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return "", ErrBadPassword
	}

	payload := strconv.FormatInt(a.now().Unix(), 10)
	return encode(payload) + "." + encode(a.sign(payload)), nil
}

// Verify checks token signature and age.
func (a *Admin) Verify(token string) error {
	payload, sig, ok := splitToken(token)
	if !ok {
		return ErrInvalidToken
	}
	if !hmac.Equal([]byte(a.sign(payload)), []byte(sig)) {
		return ErrInvalidToken
	}

	issuedAt, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return ErrInvalidToken
	}
	age := a.now().Unix() - issuedAt
	if age < 0 || age > int64(a.ttl/time.Second) {
		return ErrExpiredToken
	}
	return nil
}

// FromHeader extracts the bearer token from an Authorization header
// value. Returns ErrInvalidToken when the header is missing or not a
// bearer scheme.
func FromHeader(authorization string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

func (a *Admin) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return string(mac.Sum(nil))
}

func encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func splitToken(token string) (payload, sig string, ok bool) {
	i := strings.IndexByte(token, '.')
	if i < 0 {
		return "", "", false
	}
	p, err := base64.RawURLEncoding.DecodeString(token[:i])
	if err != nil {
		return "", "", false
	}
	s, err := base64.RawURLEncoding.DecodeString(token[i+1:])
	if err != nil {
		return "", "", false
	}
	return string(p), string(s), true
}
