// Package ids provides the identifier primitives shared across the module.
package ids

import (
	mathrand "math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ID is an opaque identifier branded with the entity kind E, so ids of
// different kinds cannot be mixed up at compile time. The brand is erased at
// runtime; equality is by raw value.
type ID[E any] struct {
	raw string
}

// NewID wraps a raw identifier value.
func NewID[E any](raw string) ID[E] {
	return ID[E]{raw: raw}
}

func (id ID[E]) String() string {
	return id.raw
}

// IsZero reports whether the id carries no value.
func (id ID[E]) IsZero() bool {
	return id.raw == ""
}

// AutoIncrement is a deterministic id source for the in-memory reference
// store. Next returns a fresh id together with the successor generator; the
// receiver is never modified, so a generator embedded in a snapshot advances
// as part of the snapshot swap.
type AutoIncrement[E any] struct {
	last uint64
}

// Next allocates the next id.
func (a AutoIncrement[E]) Next() (ID[E], AutoIncrement[E]) {
	n := a.last + 1
	return NewID[E](strconv.FormatUint(n, 10)), AutoIncrement[E]{last: n}
}
