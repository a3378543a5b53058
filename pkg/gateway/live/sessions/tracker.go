// Package sessions tracks open live relay connections, indexed by evidence
// session, so the relay can tell whether it is the last viewer and shutdown
// can warn, cancel and wait for every socket.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker needs from one relay connection.
type Handle struct {
	SessionID string
	Cancel    func()
	Warn      func(message string) error
}

type conn struct {
	id     string
	handle Handle
	once   sync.Once
}

type Tracker struct {
	mu        sync.Mutex
	conns     map[string]*conn
	bySession map[string]map[string]*conn
	wg        sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{
		conns:     make(map[string]*conn),
		bySession: make(map[string]map[string]*conn),
	}
}

// Register records connID. Registering an id twice releases the older entry.
// The returned func is idempotent.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	c := &conn{id: connID, handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*conn)
		t.bySession = make(map[string]map[string]*conn)
	}
	old := t.conns[connID]
	if old != nil {
		t.removeLocked(old)
	}
	t.conns[connID] = c
	peers := t.bySession[h.SessionID]
	if peers == nil {
		peers = make(map[string]*conn)
		t.bySession[h.SessionID] = peers
	}
	peers[connID] = c
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		old.once.Do(t.wg.Done)
	}
	return func() { t.release(c) }
}

func (t *Tracker) release(c *conn) {
	c.once.Do(func() {
		t.mu.Lock()
		t.removeLocked(c)
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) removeLocked(c *conn) {
	if t.conns[c.id] == c {
		delete(t.conns, c.id)
	}
	peers := t.bySession[c.handle.SessionID]
	if peers[c.id] == c {
		delete(peers, c.id)
	}
	if len(peers) == 0 {
		delete(t.bySession, c.handle.SessionID)
	}
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CountForSession reports open connections attached to sessionID.
func (t *Tracker) CountForSession(sessionID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession[sessionID])
}

// Peers reports the other open connections on sessionID, excluding connID.
func (t *Tracker) Peers(sessionID, connID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := t.bySession[sessionID]
	n := len(peers)
	if _, ok := peers[connID]; ok {
		n--
	}
	return n
}

// handles snapshots every registered handle so callbacks run unlocked.
func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.handle)
	}
	return out
}

// WarnAll sends message to every connection and reports how many accepted it.
func (t *Tracker) WarnAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn != nil && h.Warn(message) == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel != nil {
			h.Cancel()
			canceled++
		}
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered. It reports
// false when ctx ends first.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
