package ratelimit

import (
	"math"
	"testing"
	"time"

	logx "saverbot/pkg/logx"
)

func testLimiter(cfg Config) *Limiter {
	return New(cfg, logx.Nop())
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{})
	if got := l.Rate(); got != 0.5 {
		t.Fatalf("initial rate = %v, want 0.5", got)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.tryAcquireAt(now, 1) {
			t.Fatalf("burst acquisition %d denied", i)
		}
	}
	if l.tryAcquireAt(now, 1) {
		t.Fatal("fourth immediate acquisition should be denied at burst 3")
	}
}

func TestThrottleHalvesWithFloor(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{})
	now := time.Now()

	want := 0.5
	for i := 0; i < 10; i++ {
		l.onThrottledAt(now, 0)
		want *= 0.5
		if want < 0.1 {
			want = 0.1
		}
		if got := l.Rate(); math.Abs(got-want) > 1e-9 {
			t.Fatalf("after %d throttles rate = %v, want %v", i+1, got, want)
		}
	}
	if got := l.Rate(); got != 0.1 {
		t.Fatalf("rate fell below floor: %v", got)
	}
}

func TestGrowthNeedsConsecutiveSuccesses(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{})
	now := time.Now()

	for i := 0; i < 9; i++ {
		l.onSuccessAt(now)
	}
	if got := l.Rate(); got != 0.5 {
		t.Fatalf("rate grew early: %v", got)
	}
	l.onSuccessAt(now)
	if got, want := l.Rate(), 0.5*1.2; math.Abs(got-want) > 1e-9 {
		t.Fatalf("rate after 10 successes = %v, want %v", got, want)
	}
}

func TestThrottleResetsSuccessCounter(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{})
	now := time.Now()

	for i := 0; i < 9; i++ {
		l.onSuccessAt(now)
	}
	l.onThrottledAt(now, time.Second)

	// After the reset a single further success must not trigger growth.
	l.onSuccessAt(now)
	if got := l.Rate(); got != 0.25 {
		t.Fatalf("rate = %v, want 0.25 (halved, no growth)", got)
	}
}

func TestGrowthCapsAtMax(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{InitialRate: 9.5, SuccessThreshold: 1})
	now := time.Now()

	l.onSuccessAt(now)
	if got := l.Rate(); got != 10.0 {
		t.Fatalf("rate = %v, want capped 10.0", got)
	}
	// Further growth is a no-op at the cap.
	l.onSuccessAt(now)
	if got := l.Rate(); got != 10.0 {
		t.Fatalf("rate moved past cap: %v", got)
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{InitialRate: 1.0})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.tryAcquireAt(now, 1) {
			t.Fatalf("burst acquisition %d denied", i)
		}
	}
	if got := l.tokensAt(now); got > 0.01 {
		t.Fatalf("tokens after drain = %v, want ~0", got)
	}

	later := now.Add(2 * time.Second)
	if got := l.tokensAt(later); math.Abs(got-2.0) > 0.01 {
		t.Fatalf("tokens after 2s at 1/s = %v, want ~2", got)
	}

	// Never above capacity.
	much := now.Add(time.Hour)
	if got := l.tokensAt(much); got > 3.0+1e-9 {
		t.Fatalf("tokens exceeded burst: %v", got)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	l := testLimiter(Config{InitialRate: 2.0})
	if got, want := l.RetryDelay(), 500*time.Millisecond; got != want {
		t.Fatalf("RetryDelay = %v, want %v", got, want)
	}

	// An upstream wait hint overrides the refill interval while it is larger.
	l.onThrottledAt(time.Now(), 5*time.Second)
	if got := l.RetryDelay(); got != 5*time.Second {
		t.Fatalf("RetryDelay = %v, want 5s hint", got)
	}

	// The hint clears once a token is granted again.
	if !l.tryAcquireAt(time.Now().Add(time.Minute), 1) {
		t.Fatal("expected token after refill window")
	}
	if got := l.RetryDelay(); got >= 5*time.Second {
		t.Fatalf("stale wait hint survived a granted token: %v", got)
	}
}
