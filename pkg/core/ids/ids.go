// Package ids mints identifiers. Session ids are random UUIDs; everything
// scoped inside a session (cards, clusters, trace entries, turns) comes from a
// Sequence owned by the composition root.
package ids

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// NewSessionID returns an opaque, globally unique session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewTurnID returns a transcript turn id. Turns from different connections
// to the same session must never collide, so these are random too.
func NewTurnID() string {
	return "turn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Sequence is a process-wide monotonic counter. The zero value is ready to use.
type Sequence struct {
	n atomic.Uint64
}

// Next returns prefix + "_" + the next counter value.
func (s *Sequence) Next(prefix string) string {
	v := s.n.Add(1)
	if prefix == "" {
		return strconv.FormatUint(v, 10)
	}
	return prefix + "_" + strconv.FormatUint(v, 10)
}
