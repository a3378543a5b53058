// Package store defines durable access to session snapshots. Backends live
// in subpackages; callers depend on the Store interface only.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session not found")

const (
	DefaultListLimit = 10
	MaxListLimit     = 50
)

// Store persists whole session snapshots. Writes are last-writer-wins: there
// is no cross-writer locking, so concurrent read-modify-write cycles on the
// same session may overwrite each other.
type Store interface {
	Get(ctx context.Context, id string) (*types.Session, error)
	Put(ctx context.Context, s *types.Session) error
	// List returns up to limit sessions, newest first.
	List(ctx context.Context, limit int) ([]*types.Session, error)
}

// Publisher is the subset of the event bus the mutate path needs.
type Publisher interface {
	Publish(sessionID string, s *types.Session)
}

// MutateFunc edits a session in place. Returning an error aborts the write.
type MutateFunc func(s *types.Session) error

// Mutate re-reads the session, applies fn, bumps its Revision, writes it
// back and publishes the result. Every writer in the system goes through here, so subscribers see
// one snapshot per successful write.
func Mutate(ctx context.Context, st Store, pub Publisher, id string, fn MutateFunc) (*types.Session, error) {
	s, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.Revision++
	if err := st.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("put session %s: %w", id, err)
	}
	if pub != nil {
		pub.Publish(id, s)
	}
	return s, nil
}

// ClampListLimit applies the default and maximum list sizes.
func ClampListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
