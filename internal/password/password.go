// Package password implements the hashing capability and the strength
// boundary plaintext passwords must cross before they are ever hashed.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Length bounds enforced at the type-construction boundary, not inside the
// hasher.
const (
	MinLength = 8
	MaxLength = 64
)

var (
	ErrTooShort = errors.New("password: too short")
	ErrTooLong  = errors.New("password: too long")
)

// Plaintext is an unvalidated candidate password.
type Plaintext string

// Strong is a plaintext that passed strength validation. It can only be
// obtained through NewStrong.
type Strong struct {
	value Plaintext
}

// NewStrong validates length bounds and wraps the plaintext.
func NewStrong(p Plaintext) (Strong, error) {
	switch {
	case len(p) < MinLength:
		return Strong{}, ErrTooShort
	case len(p) > MaxLength:
		return Strong{}, ErrTooLong
	}
	return Strong{value: p}, nil
}

// Plaintext returns the validated plaintext.
func (s Strong) Plaintext() Plaintext {
	return s.value
}

// Hashed is a one-way, salted hash of a strong password. The encoding
// carries the salt and algorithm parameters.
type Hashed string

// Hasher is the password capability injected into the identity engine.
// Implementations must salt freshly on every Hash call and compare digests
// in constant time in Matches.
type Hasher interface {
	Hash(p Strong) (Hashed, error)
	Matches(p Plaintext, h Hashed) bool
}

// BcryptHasher hashes with bcrypt. bcrypt generates a random salt per call
// and CompareHashAndPassword compares digest bytes in constant time.
type BcryptHasher struct {
	// Cost is the bcrypt work factor; zero means bcrypt.DefaultCost.
	Cost int
}

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

// Hash derives a salted hash of p.
func (b BcryptHasher) Hash(p Strong) (Hashed, error) {
	sum, err := bcrypt.GenerateFromPassword([]byte(p.value), b.cost())
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return Hashed(sum), nil
}

// Matches verifies p against h.
func (b BcryptHasher) Matches(p Plaintext, h Hashed) bool {
	if h == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(h), []byte(p)) == nil
}
