// Package storage provides arrival-ordered membership sets used by the
// admission engine. Each key names an independent set; all mutations on one
// key are serialized, while distinct keys never contend with each other.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

// ErrTransientStore reports that the backing store could not be reached or
// did not answer within the operation timeout. Callers may retry reads;
// mutations must not be retried blindly.
var ErrTransientStore = errors.New("transient store failure")

// Member is a single entry of an ordered set.
type Member struct {
	ID         int64
	EnrolledAt int64 // seconds since epoch
}

// Store is an ordered membership store keyed by set name. Members of a set
// are ordered by (EnrolledAt, insertion sequence).
type Store interface {
	// Add inserts m into the set. It returns false without mutating the set
	// when m.ID is already present.
	Add(ctx context.Context, key string, m Member) (bool, error)
	// Rank returns the zero-based position of id, or -1 when absent.
	Rank(ctx context.Context, key string, id int64) (int64, error)
	// RemoveMin pops up to n lowest-ranked members, oldest first.
	RemoveMin(ctx context.Context, key string, n int64) ([]Member, error)
	// Size returns the number of members in the set.
	Size(ctx context.Context, key string) (int64, error)
	// Scan returns the non-empty set keys matching pattern. Patterns support
	// a single '*' wildcard.
	Scan(ctx context.Context, pattern string) ([]string, error)
}

type transientError struct {
	op  string
	err error
}

func (e *transientError) Error() string {
	return e.op + ": " + ErrTransientStore.Error() + ": " + e.err.Error()
}

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == ErrTransientStore }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &transientError{op: op, err: err}
}
