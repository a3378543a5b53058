package bus

import (
	"sync"

	"github.com/vango-go/vai-evidence/pkg/core/types"
)

// Mailbox is a bounded snapshot queue between a Bus handler and a slow
// consumer. When full, the oldest snapshot is dropped: every snapshot is a
// complete state, so only the newest matters.
type Mailbox struct {
	mu      sync.Mutex
	ch      chan *types.Session
	dropped int
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 16
	}
	return &Mailbox{ch: make(chan *types.Session, size)}
}

// Offer enqueues s without blocking.
func (m *Mailbox) Offer(s *types.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		select {
		case m.ch <- s:
			return
		default:
		}
		select {
		case <-m.ch:
			m.dropped++
		default:
		}
	}
}

// C is the receive side of the queue.
func (m *Mailbox) C() <-chan *types.Session {
	return m.ch
}

func (m *Mailbox) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
