package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_WindowBudget(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{Requests: 10, Window: time.Minute}, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	wait, err := l.Reserve("alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th request err = %v, want ErrRateLimited", err)
	}
	if wait <= 0 || wait > 7*time.Second {
		t.Errorf("wait = %v, want (0, 7s]", wait)
	}

	// Other users are unaffected.
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob: %v", err)
	}

	now = now.Add(7 * time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{Requests: 0})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatal(err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("alice"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{Requests: 1, Window: time.Minute}, WithClock(func() time.Time { return now }))

	_ = l.Allow("alice")
	now = now.Add(2 * time.Hour)
	_ = l.Allow("bob")

	if n := l.Sweep(time.Hour); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	// A swept user starts with a full bucket again.
	if err := l.Allow("alice"); err != nil {
		t.Errorf("alice after sweep: %v", err)
	}
}
