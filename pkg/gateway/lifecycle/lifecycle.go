// Package lifecycle holds the process drain state shared by readiness and
// the live route.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	// drainingSince is unix milliseconds; zero while serving.
	drainingSince atomic.Int64
}

// SetDraining starts or ends draining. Starting twice keeps the first time.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.drainingSince.Store(0)
		return
	}
	l.drainingSince.CompareAndSwap(0, time.Now().UnixMilli())
}

func (l *Lifecycle) IsDraining() bool {
	return l != nil && l.drainingSince.Load() != 0
}

// DrainingSince reports when draining started.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ms := l.drainingSince.Load()
	if ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
