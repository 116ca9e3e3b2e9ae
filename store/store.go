// Package store implements typed keyed futures: a per-build map from
// a typed Key to the future its deterministic initializer produces,
// materialized lazily and only once per key.
package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fdopen/b0/fiber"
	"github.com/fdopen/b0/memo"
)

// Key identifies a typed, lazily-materialized build value. Two Keys
// are the same binding only if they are the same *Key[T] pointer —
// construct one with NewKey and share it, don't recreate it per
// lookup. The embedded uuid is a type-identity tag: it doubles as the
// Key's sub-memoizer mark and, because it is minted once per NewKey
// call, can never collide with another Key's tag even across distinct
// T instantiations.
type Key[T any] struct {
	id   string
	init func(*Store, *memo.Memoizer) *fiber.Future[T]
}

// NewKey returns a new Key whose value is computed by init the first
// time it is looked up in any given Store.
func NewKey[T any](init func(*Store, *memo.Memoizer) *fiber.Future[T]) *Key[T] {
	return &Key[T]{id: uuid.NewString(), init: init}
}

// Store holds the lazily-materialized future for every Key looked up
// so far in one build. The zero value is not usable; construct one
// with New. Like Guard and the fiber Queue, Store is only ever touched
// from the memoizer's single driver goroutine, so it carries no
// locking of its own.
type Store struct {
	values map[string]any // boxed *fiber.Future[T], keyed by Key[T].id
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: map[string]any{}}
}

// Get returns the future bound to k in s, running k's initializer
// under a sub-memoizer marked with k's identity tag the first time k
// is looked up. Subsequent lookups of the same k return the cached
// future without re-running the initializer.
func Get[T any](s *Store, m *memo.Memoizer, k *Key[T]) *fiber.Future[T] {
	if v, ok := s.values[k.id]; ok {
		fut, ok := v.(*fiber.Future[T])
		if !ok {
			panic(fmt.Sprintf("store: type identity mismatch for key %s", k.id))
		}
		return fut
	}
	fut := k.init(s, m.Sub(k.id))
	s.values[k.id] = fut
	return fut
}
