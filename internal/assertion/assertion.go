// Package assertion mints and verifies signed identity assertions. A session
// token is an opaque reference into the engine's own store; an assertion is a
// self-contained JWT downstream services can verify without calling back.
package assertion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kimlik.org/internal/identity"
)

// ErrInvalidAssertion indicates the assertion failed validation.
var ErrInvalidAssertion = errors.New("assertion: invalid assertion")

// Claims carries the identity claims embedded in an assertion.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies assertions with a shared HS256 secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer builds an Issuer. The secret must be non-empty and the ttl
// positive.
func NewIssuer(secret []byte, issuer string, ttl time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("assertion: secret is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("assertion: issuer is required")
	}
	if ttl <= 0 {
		return nil, errors.New("assertion: ttl must be greater than zero")
	}
	i := &Issuer{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Mint signs an assertion for the session's user.
func (i *Issuer) Mint(sess identity.Session) (string, error) {
	if sess.User.ID.IsZero() {
		return "", errors.New("assertion: session carries no user")
	}

	now := i.now()
	claims := Claims{
		Email: string(sess.User.User.Email),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sess.User.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and required claims and returns them.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidAssertion
	}

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidAssertion
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, ErrInvalidAssertion
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidAssertion
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, ErrInvalidAssertion
	}
	return claims, nil
}

func (i *Issuer) validateClaims(claims *Claims) error {
	if claims.Issuer != i.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := i.now()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("assertion issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("assertion expiry precedes issued-at")
	}
	return nil
}

// UserID returns the asserted user id.
func (c *Claims) UserID() string {
	return c.Subject
}
