package signal

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("attempt %d refused", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Fatal("attempt over limit allowed")
	}
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	if !rl.Allow("u1") {
		t.Fatal("u1 refused")
	}
	if !rl.Allow("u2") {
		t.Fatal("u2 throttled by u1's history")
	}
	if rl.Allow("u1") {
		t.Fatal("u1 second attempt allowed")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if !rl.Allow("u1") {
		t.Fatal("first attempt refused")
	}
	if rl.Allow("u1") {
		t.Fatal("second attempt inside window allowed")
	}
	time.Sleep(15 * time.Millisecond)
	if !rl.Allow("u1") {
		t.Fatal("attempt after window refused")
	}
}

func TestRateLimiterForget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	rl.Allow("u1")
	rl.Forget("u1")
	if !rl.Allow("u1") {
		t.Fatal("history survived Forget")
	}
}
