// Package token implements issuance, lookup and revocation of opaque bearer
// tokens with per-issue time-to-live. One store backs user sessions, another
// backs password resets; the value type parameter keeps their tokens from
// being mixed up at compile time.
package token

import (
	"errors"
	"time"
)

// ErrNoSuchToken is returned by Lookup for absent, revoked and expired
// tokens alike. The three cases are deliberately indistinguishable to
// callers.
var ErrNoSuchToken = errors.New("token: no such token")

// Token is an unguessable bearer reference to a value of type A.
type Token[A any] struct {
	value string
}

// FromString re-wraps a raw token value presented by an external caller.
func FromString[A any](raw string) Token[A] {
	return Token[A]{value: raw}
}

func (t Token[A]) String() string {
	return t.value
}

// Tokens is the issuance/lookup/revocation contract the identity aggregate
// consumes. Store is the in-memory reference implementation.
type Tokens[A any] interface {
	Issue(value A, ttl time.Duration) Token[A]
	Lookup(tok Token[A]) (A, error)
	FindByValue(value A) []Token[A]
	Revoke(tok Token[A])
	RevokeMany(toks []Token[A])
	RevokeAll(value A)
}
