// Package auth covers the two trust boundaries of the engine: HMAC-SHA256
// signatures on inbound webhooks and short-lived symmetric bearer tokens
// for agent-to-agent calls.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signaturePrefix = "sha256="

	// WebhookSignatureHeader carries the HMAC signature on webhook posts.
	WebhookSignatureHeader = "x-webhook-signature"

	// MaxBearerTTL caps internal bearer lifetime.
	MaxBearerTTL = 60 * time.Second

	// clock skew tolerance for bearer verification
	skewLeeway = 5 * time.Second
)

// Bearer verification failures.
var (
	ErrExpired      = errors.New("bearer token expired")
	ErrBadAudience  = errors.New("bearer token audience mismatch")
	ErrBadSignature = errors.New("bearer token signature invalid")
)

// Signer verifies webhook signatures and issues internal bearer tokens.
type Signer struct {
	webhookSecret []byte
	bearerKey     []byte
	now           func() time.Time
}

// NewSigner creates a signer. now may be nil (defaults to time.Now); tests
// inject a fixed clock.
func NewSigner(webhookSecret, bearerKey string) *Signer {
	return &Signer{
		webhookSecret: []byte(webhookSecret),
		bearerKey:     []byte(bearerKey),
		now:           time.Now,
	}
}

// WithClock returns a copy using the given clock.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// VerifyWebhook checks a "sha256=<hex>" header against the HMAC-SHA256 of
// the raw body. Malformed, missing, or mismatched headers all return false.
// The comparison is constant time.
func (s *Signer) VerifyWebhook(body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	received, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// SignWebhook produces the signature header for an outgoing webhook body.
func (s *Signer) SignWebhook(body []byte) string {
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// BearerClaims are the verified claims of an internal bearer token.
type BearerClaims struct {
	Issuer   string
	Audience string
	IssuedAt time.Time
	Expires  time.Time
}

// IssueInternalBearer mints a short-lived HS256 token for an internal call.
// TTLs above MaxBearerTTL are clamped.
func (s *Signer) IssueInternalBearer(issuer, audience string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxBearerTTL {
		ttl = MaxBearerTTL
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.bearerKey)
}

// VerifyInternalBearer validates an internal bearer token against the
// expected audience, tolerating ±5s of clock skew.
func (s *Signer) VerifyInternalBearer(token, expectedAudience string) (*BearerClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrBadSignature
			}
			return s.bearerKey, nil
		},
		jwt.WithAudience(expectedAudience),
		jwt.WithLeeway(skewLeeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrBadAudience
		default:
			return nil, ErrBadSignature
		}
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, ErrBadSignature
	}
	out := &BearerClaims{Issuer: claims.Issuer}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.Expires = claims.ExpiresAt.Time
	}
	return out, nil
}
