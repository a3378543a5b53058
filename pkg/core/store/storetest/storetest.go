// Package storetest holds the behavioral contract every Store backend must
// satisfy.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// Run exercises st. Session ids are prefixed so shared backends can be reused
// across runs.
func Run(t *testing.T, st store.Store, prefix string) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := st.Get(ctx, prefix+"missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "err=%v", err)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		s := newSession(t, prefix+"rt", 100)
		s.EvidenceCards = []types.EvidenceCard{{
			ID:        "card_1",
			ClaimText: "claim",
			Evidence:  []types.EvidenceQuote{{Quote: "q", URL: "https://example.com"}},
		}}
		require.NoError(t, st.Put(ctx, s))

		got, err := st.Get(ctx, s.SessionID)
		require.NoError(t, err)
		assert.Equal(t, s.SessionID, got.SessionID)
		require.Len(t, got.EvidenceCards, 1)
		assert.Equal(t, "https://example.com", got.EvidenceCards[0].Evidence[0].URL)
	})

	t.Run("returned snapshots are independent", func(t *testing.T) {
		s := newSession(t, prefix+"indep", 200)
		require.NoError(t, st.Put(ctx, s))
		s.Title = "changed after put"

		got, err := st.Get(ctx, s.SessionID)
		require.NoError(t, err)
		assert.NotEqual(t, "changed after put", got.Title)
	})

	t.Run("list newest first with limit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, st.Put(ctx, newSession(t, fmt.Sprintf("%slist-%d", prefix, i), int64(1_000_000+i))))
		}
		got, err := st.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, prefix+"list-2", got[0].SessionID)
		assert.Equal(t, prefix+"list-1", got[1].SessionID)
	})

	t.Run("mutate publishes written snapshot", func(t *testing.T) {
		s := newSession(t, prefix+"mut", 300)
		require.NoError(t, st.Put(ctx, s))

		pub := &recordingPublisher{}
		out, err := store.Mutate(ctx, st, pub, s.SessionID, func(s *types.Session) error {
			s.Pipeline.ContentExtracted = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, out.Pipeline.ContentExtracted)
		require.Len(t, pub.got, 1)
		assert.True(t, pub.got[0].Pipeline.ContentExtracted)

		stored, err := st.Get(ctx, s.SessionID)
		require.NoError(t, err)
		assert.True(t, stored.Pipeline.ContentExtracted)
	})

	t.Run("mutate error skips write and publish", func(t *testing.T) {
		s := newSession(t, prefix+"muterr", 400)
		require.NoError(t, st.Put(ctx, s))

		pub := &recordingPublisher{}
		boom := errors.New("boom")
		_, err := store.Mutate(ctx, st, pub, s.SessionID, func(s *types.Session) error {
			s.Title = "should not persist"
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, pub.got)

		stored, err := st.Get(ctx, s.SessionID)
		require.NoError(t, err)
		assert.NotEqual(t, "should not persist", stored.Title)
	})
}

func newSession(t *testing.T, id string, createdAtMs int64) *types.Session {
	t.Helper()
	s, err := types.NewSession(types.NewSessionParams{
		ID:          id,
		CreatedAtMs: createdAtMs,
		Mode:        types.ModeCoReading,
		URL:         "https://example.com/article",
		Title:       "original",
	})
	require.NoError(t, err)
	return s
}

type recordingPublisher struct {
	got []*types.Session
}

func (r *recordingPublisher) Publish(_ string, s *types.Session) {
	r.got = append(r.got, s.Clone())
}
