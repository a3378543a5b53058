// Package ratelimit is the in-process fixed-window admission table. Keys are
// caller-chosen strings such as "analyze:<sessionId>" or "live-ws:<ip>".
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	Window time.Duration

	// Capacity bounds the number of tracked keys. A new key arriving at
	// capacity is refused rather than admitted.
	Capacity int

	// SweepEvery removes expired windows on every Nth call.
	SweepEvery int
}

type Limiter struct {
	cfg Config

	mu    sync.Mutex
	m     map[string]*window
	calls int
}

type window struct {
	start time.Time
	count int
}

type Decision struct {
	Allowed    bool
	RetryAfter int
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10_000
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 100
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*window),
	}
}

// Allow counts one request against key. At most limit requests are admitted
// per window; limit <= 0 disables the check for this call.
func (l *Limiter) Allow(key string, limit int, now time.Time) Decision {
	if l == nil || limit <= 0 {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%l.cfg.SweepEvery == 0 {
		l.sweepLocked(now)
	}

	w, ok := l.m[key]
	if ok && now.Sub(w.start) >= l.cfg.Window {
		w.start, w.count = now, 0
	}
	if !ok {
		if len(l.m) >= l.cfg.Capacity {
			l.sweepLocked(now)
			if len(l.m) >= l.cfg.Capacity {
				return Decision{Allowed: false, RetryAfter: l.retryAfter(l.cfg.Window)}
			}
		}
		w = &window{start: now}
		l.m[key] = w
	}

	if w.count >= limit {
		return Decision{Allowed: false, RetryAfter: l.retryAfter(l.cfg.Window - now.Sub(w.start))}
	}
	w.count++
	return Decision{Allowed: true}
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) sweepLocked(now time.Time) {
	for k, w := range l.m {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.m, k)
		}
	}
}

func (l *Limiter) retryAfter(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
