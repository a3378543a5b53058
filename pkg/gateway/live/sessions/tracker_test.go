package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_IndexesConnectionsBySession(t *testing.T) {
	tr := NewTracker()

	u1 := tr.Register("c1", Handle{SessionID: "s1"})
	u2 := tr.Register("c2", Handle{SessionID: "s1"})
	u3 := tr.Register("c3", Handle{SessionID: "s2"})

	assert.Equal(t, 3, tr.Count())
	assert.Equal(t, 2, tr.CountForSession("s1"))
	assert.Equal(t, 1, tr.Peers("s1", "c1"))
	assert.Equal(t, 0, tr.Peers("s2", "c3"))
	assert.Equal(t, 0, tr.CountForSession("unknown"))

	u1()
	u1()
	assert.Equal(t, 1, tr.CountForSession("s1"), "unregister is idempotent")
	assert.Equal(t, 0, tr.Peers("s1", "c2"))

	u2()
	u3()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, tr.Wait(ctx))
	assert.Zero(t, tr.Count())
}

func TestTracker_ReRegisterReplacesEntry(t *testing.T) {
	tr := NewTracker()
	stale := tr.Register("c1", Handle{SessionID: "s1"})
	fresh := tr.Register("c1", Handle{SessionID: "s2"})

	assert.Equal(t, 1, tr.Count())
	assert.Zero(t, tr.CountForSession("s1"))
	assert.Equal(t, 1, tr.CountForSession("s2"))

	stale()
	assert.Equal(t, 1, tr.Count(), "releasing the replaced entry leaves the new one")

	fresh()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, tr.Wait(ctx))
}

func TestTracker_WaitTimesOutWhileOpen(t *testing.T) {
	tr := NewTracker()
	tr.Register("c1", Handle{SessionID: "s1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, tr.Wait(ctx))
}

func TestTracker_CancelAll(t *testing.T) {
	tr := NewTracker()
	var calls atomic.Int64
	tr.Register("c1", Handle{SessionID: "s1", Cancel: func() { calls.Add(1) }})
	tr.Register("c2", Handle{SessionID: "s2", Cancel: func() { calls.Add(1) }})
	tr.Register("c3", Handle{SessionID: "s3"})

	assert.Equal(t, 2, tr.CancelAll())
	assert.EqualValues(t, 2, calls.Load())
}

func TestTracker_WarnAllCountsDelivered(t *testing.T) {
	tr := NewTracker()
	var got []string
	var mu sync.Mutex
	record := func(message string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, message)
		return nil
	}
	tr.Register("c1", Handle{SessionID: "s1", Warn: record})
	tr.Register("c2", Handle{SessionID: "s1", Warn: func(string) error { return errors.New("queue full") }})

	assert.Equal(t, 1, tr.WarnAll("server draining; reconnect shortly"))
	require.Len(t, got, 1)
	assert.Equal(t, "server draining; reconnect shortly", got[0])
}

func TestTracker_NilIsInert(t *testing.T) {
	var tr *Tracker
	tr.Register("c1", Handle{})()
	assert.Zero(t, tr.Count())
	assert.Zero(t, tr.Peers("s1", "c1"))
	assert.True(t, tr.Wait(context.Background()))
}
