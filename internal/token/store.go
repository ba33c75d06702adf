package token

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"kimlik.org/internal/clock"
	"kimlik.org/internal/kv"
)

type entry[A any] struct {
	value     A
	expiresAt time.Time
}

// Store is the in-memory token store. All operations serialize on one mutex,
// which is also what makes RevokeAll atomic: the find/revoke pair it is
// composed of never interleaves with other mutations. If the store is ever
// rebuilt on storage without that serialization, RevokeAll degrades to
// best-effort.
//
// Expiry is lazy. Expired rows are treated as absent by Lookup but stay in
// the table until revoked or compacted, so Size can transiently count
// logically dead rows.
type Store[A any] struct {
	mu    sync.Mutex
	clock clock.Clock
	eq    func(a, b A) bool
	table kv.Table[string, entry[A]]
}

var _ Tokens[int] = (*Store[int])(nil)

// NewStore builds a store on c, using eq as the value equivalence for
// FindByValue and RevokeAll. The store is generic over A and cannot assume
// derivable equality, so the equivalence is supplied by the owner.
func NewStore[A any](c clock.Clock, eq func(a, b A) bool) *Store[A] {
	return &Store[A]{
		clock: c,
		eq:    eq,
		table: kv.New[string, entry[A]](),
	}
}

// Issue records value under a fresh random token valid for ttl. It always
// succeeds.
func (s *Store[A]) Issue(value A, ttl time.Duration) Token[A] {
	tok := Token[A]{value: uuid.NewString()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = s.table.UpsertAt(tok.value, entry[A]{
		value:     value,
		expiresAt: s.clock.Now().Add(ttl),
	})
	return tok
}

// Lookup resolves tok. Expired entries are not purged here; they simply read
// as absent.
func (s *Store[A]) Lookup(tok Token[A]) (A, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table.Find(tok.value)
	if !ok || s.clock.Now().After(e.expiresAt) {
		var zero A
		return zero, ErrNoSuchToken
	}
	return e.value, nil
}

// FindByValue returns every token currently recorded for value, logically
// expired rows included.
func (s *Store[A]) FindByValue(value A) []Token[A] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(value)
}

// Revoke removes tok. Revoking an absent token is not an error.
func (s *Store[A]) Revoke(tok Token[A]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = s.table.DeleteAt(tok.value)
}

// RevokeMany removes every token in toks.
func (s *Store[A]) RevokeMany(toks []Token[A]) {
	if len(toks) == 0 {
		return
	}
	keys := make([]string, len(toks))
	for i, tok := range toks {
		keys[i] = tok.value
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = s.table.DeleteMany(keys)
}

// RevokeAll removes every token recorded for value.
func (s *Store[A]) RevokeAll(value A) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.findLocked(value)
	if len(found) == 0 {
		return
	}
	keys := make([]string, len(found))
	for i, tok := range found {
		keys[i] = tok.value
	}
	s.table = s.table.DeleteMany(keys)
}

// Size counts stored rows, logically expired ones included.
func (s *Store[A]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Size()
}

// Compact drops rows whose expiry has passed and reports how many were
// removed. Nothing in this module schedules compaction; expiry stays lazy
// unless an owner opts in.
func (s *Store[A]) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	dead := s.table.FilterEntries(func(_ string, e entry[A]) bool {
		return now.After(e.expiresAt)
	})
	if len(dead) == 0 {
		return 0
	}
	keys := make([]string, len(dead))
	for i, e := range dead {
		keys[i] = e.Key
	}
	s.table = s.table.DeleteMany(keys)
	return len(dead)
}

func (s *Store[A]) findLocked(value A) []Token[A] {
	matches := s.table.FilterEntries(func(_ string, e entry[A]) bool {
		return s.eq(e.value, value)
	})
	out := make([]Token[A], 0, len(matches))
	for _, m := range matches {
		out = append(out, Token[A]{value: m.Key})
	}
	return out
}
