package queue

import (
	"context"
	"testing"
	"time"
)

func TestWindowLimiterCapsStartsPerWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewWindowLimiter(5, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _, err := l.Allow(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("start %d denied, want admitted", i+1)
		}
	}

	ok, retryAfter, err := l.Allow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("sixth start in the same window was admitted")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Fatalf("retryAfter = %v, want within (0, 1s]", retryAfter)
	}
}

func TestWindowLimiterAdmitsAfterWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewWindowLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _, _ := l.Allow(context.Background()); !ok {
			t.Fatalf("start %d denied", i+1)
		}
	}
	if ok, _, _ := l.Allow(context.Background()); ok {
		t.Fatal("third start admitted inside the window")
	}

	now = now.Add(1100 * time.Millisecond)
	if ok, _, _ := l.Allow(context.Background()); !ok {
		t.Fatal("start denied after the window slid past")
	}
}

func TestWindowLimiterThroughputBound(t *testing.T) {
	base := time.Unix(2000, 0)
	now := base
	l := NewWindowLimiter(5, time.Second)
	l.now = func() time.Time { return now }

	// Hammer the limiter for three simulated seconds and count admissions
	// falling into each one-second window.
	perWindow := map[int64]int{}
	for step := 0; step < 300; step++ {
		now = base.Add(time.Duration(step) * 10 * time.Millisecond)
		ok, _, err := l.Allow(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			perWindow[now.Unix()]++
		}
	}
	for sec, n := range perWindow {
		if n > 5 {
			t.Fatalf("window %d admitted %d starts, want at most 5", sec, n)
		}
	}
	if len(perWindow) == 0 {
		t.Fatal("limiter admitted nothing")
	}
}
