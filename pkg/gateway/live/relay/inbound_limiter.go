package relay

import "time"

// audioBudget is a token bucket over inbound audio.chunk frames and their
// decoded bytes. A nil budget allows everything.
type audioBudget struct {
	now          func() time.Time
	fpsRate      int64
	fpsTokens    int64
	bpsRate      int64
	bpsTokens    int64
	burstSeconds int64
	lastRefill   time.Time
}

func newAudioBudget(now func() time.Time, fps int, bps int64, burstSeconds int) *audioBudget {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	b := &audioBudget{
		now:          now,
		fpsRate:      int64(fps),
		bpsRate:      bps,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	if b.fpsRate > 0 {
		b.fpsTokens = b.fpsRate * b.burstSeconds
	}
	if b.bpsRate > 0 {
		b.bpsTokens = b.bpsRate * b.burstSeconds
	}
	return b
}

// Allow spends one frame and n bytes when both buckets can cover them.
func (b *audioBudget) Allow(n int) bool {
	if b == nil {
		return true
	}
	b.refill()

	if n < 0 {
		n = 0
	}
	if b.fpsRate > 0 && b.fpsTokens < 1 {
		return false
	}
	if b.bpsRate > 0 && b.bpsTokens < int64(n) {
		return false
	}
	if b.fpsRate > 0 {
		b.fpsTokens--
	}
	if b.bpsRate > 0 {
		b.bpsTokens -= int64(n)
	}
	return true
}

func (b *audioBudget) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.fpsTokens = refillBucket(b.fpsTokens, b.fpsRate, b.burstSeconds, elapsed)
	b.bpsTokens = refillBucket(b.bpsTokens, b.bpsRate, b.burstSeconds, elapsed)
	b.lastRefill = now
}

func refillBucket(tokens, rate, burstSeconds int64, elapsed time.Duration) int64 {
	if rate <= 0 {
		return tokens
	}
	add := (elapsed.Nanoseconds() * rate) / int64(time.Second)
	if add <= 0 {
		return tokens
	}
	tokens += add
	if max := rate * burstSeconds; tokens > max {
		tokens = max
	}
	return tokens
}
