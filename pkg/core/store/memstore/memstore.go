// Package memstore is the in-process Store backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
}

func New() *Store {
	return &Store{sessions: make(map[string]*types.Session)}
}

func (m *Store) Get(_ context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Store) Put(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

func (m *Store) List(_ context.Context, limit int) ([]*types.Session, error) {
	limit = store.ClampListLimit(limit)
	m.mu.RLock()
	all := make([]*types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAtMs != all[j].CreatedAtMs {
			return all[i].CreatedAtMs > all[j].CreatedAtMs
		}
		return all[i].SessionID > all[j].SessionID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*types.Session, len(all))
	for i, s := range all {
		out[i] = s.Clone()
	}
	return out, nil
}
