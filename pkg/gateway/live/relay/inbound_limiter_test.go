package relay

import (
	"testing"
	"time"
)

func TestAudioBudget_AllowsWithinBurstThenDenies(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	b := newAudioBudget(clock, 1, 0, 2)
	if !b.Allow(10) || !b.Allow(10) {
		t.Fatalf("expected two frames within burst")
	}
	if b.Allow(10) {
		t.Fatalf("expected deny after burst")
	}
}

func TestAudioBudget_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	b := newAudioBudget(clock, 10, 0, 2)
	for i := 0; i < 20; i++ {
		if !b.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if b.Allow(1) {
		t.Fatalf("expected deny again without enough time")
	}
}

func TestAudioBudget_BytesPerSecond(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	b := newAudioBudget(clock, 0, 100, 2)
	if !b.Allow(150) {
		t.Fatalf("expected allow 150 bytes")
	}
	if b.Allow(60) {
		t.Fatalf("expected deny 60 bytes")
	}
}

func TestAudioBudget_DisabledIsNil(t *testing.T) {
	b := newAudioBudget(nil, 0, 0, 0)
	if b != nil {
		t.Fatalf("expected nil budget when both limits are off")
	}
	if !b.Allow(1 << 20) {
		t.Fatalf("nil budget must allow")
	}
}
