package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "saverbot/pkg/logx"
)

// Config holds the adaptive limiter tunables.
//
// All values are startup parameters; zero fields fall back to defaults that
// match upstream flood-control behavior observed in production:
// start slow (one call every two seconds), allow a burst of three, and never
// exceed ten calls per second even when the upstream is healthy.
type Config struct {
	// InitialRate is the starting refill rate in tokens per second.
	InitialRate float64
	// MinRate / MaxRate bound the adaptive rate.
	MinRate float64
	MaxRate float64
	// Burst is the bucket capacity.
	Burst int
	// SuccessThreshold is how many consecutive successes trigger a rate
	// increase.
	SuccessThreshold int
	// GrowthFactor / ShrinkFactor scale the rate on sustained success and on
	// an upstream throttle signal.
	GrowthFactor float64
	ShrinkFactor float64
}

func (c Config) withDefaults() Config {
	if c.InitialRate <= 0 {
		c.InitialRate = 0.5
	}
	if c.MinRate <= 0 {
		c.MinRate = 0.1
	}
	if c.MaxRate <= 0 {
		c.MaxRate = 10.0
	}
	if c.MaxRate < c.MinRate {
		c.MaxRate = c.MinRate
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 10
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = 1.2
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = 0.5
	}
	if c.InitialRate < c.MinRate {
		c.InitialRate = c.MinRate
	}
	if c.InitialRate > c.MaxRate {
		c.InitialRate = c.MaxRate
	}
	return c
}

// Limiter is an adaptive token bucket shared by every worker that talks to
// the same upstream network.
//
// The bucket itself is a rate.Limiter; the adaptive layer halves the refill
// rate when the upstream signals a mandatory wait and grows it by
// GrowthFactor after SuccessThreshold consecutive successes. All state
// transitions happen under one mutex so two workers can never double-spend
// tokens computed from a stale read.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	lim       *rate.Limiter
	rateTPS   float64
	successes int

	// lastWaitHint is the most recent upstream-imposed delay. Callers that
	// hit the throttle sleep at least this long before retrying.
	lastWaitHint time.Duration
}

func New(cfg Config, log logx.Logger) *Limiter {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg:     cfg,
		log:     log,
		lim:     rate.NewLimiter(rate.Limit(cfg.InitialRate), cfg.Burst),
		rateTPS: cfg.InitialRate,
	}
}

// TryAcquire takes cost tokens if available. It never blocks: callers that
// get false must back off (re-enqueue with delay) and try again later.
func (l *Limiter) TryAcquire(cost int) bool {
	return l.tryAcquireAt(time.Now(), cost)
}

func (l *Limiter) tryAcquireAt(now time.Time, cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.lim.AllowN(now, cost)
	if ok {
		// A granted token means the cool-down implied by the last upstream
		// wait hint is over.
		l.lastWaitHint = 0
	}
	return ok
}

// OnThrottled records an upstream flood-wait: the refill rate is halved
// (floored at MinRate) and the consecutive-success counter resets.
// The caller should sleep waitHint before its next attempt.
func (l *Limiter) OnThrottled(waitHint time.Duration) {
	l.onThrottledAt(time.Now(), waitHint)
}

func (l *Limiter) onThrottledAt(now time.Time, waitHint time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.rateTPS
	nr := l.rateTPS * l.cfg.ShrinkFactor
	if nr < l.cfg.MinRate {
		nr = l.cfg.MinRate
	}
	l.rateTPS = nr
	l.lim.SetLimitAt(now, rate.Limit(nr))
	l.successes = 0
	if waitHint > 0 {
		l.lastWaitHint = waitHint
	}

	l.log.Warn("upstream throttled, reducing rate",
		logx.Float64("old_rate", old),
		logx.Float64("new_rate", nr),
		logx.Duration("wait_hint", waitHint),
	)
}

// OnSuccess counts a successful upstream call. Every SuccessThreshold
// consecutive successes the rate grows by GrowthFactor (capped at MaxRate)
// and the counter resets.
func (l *Limiter) OnSuccess() {
	l.onSuccessAt(time.Now())
}

func (l *Limiter) onSuccessAt(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successes++
	if l.successes < l.cfg.SuccessThreshold {
		return
	}
	l.successes = 0

	nr := l.rateTPS * l.cfg.GrowthFactor
	if nr > l.cfg.MaxRate {
		nr = l.cfg.MaxRate
	}
	if nr == l.rateTPS {
		return
	}
	old := l.rateTPS
	l.rateTPS = nr
	l.lim.SetLimitAt(now, rate.Limit(nr))

	l.log.Debug("upstream healthy, increasing rate",
		logx.Float64("old_rate", old),
		logx.Float64("new_rate", nr),
	)
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rateTPS
}

// Tokens returns the current token count (real-valued, stays within
// [0, Burst] for Allow-only usage).
func (l *Limiter) Tokens() float64 {
	return l.tokensAt(time.Now())
}

func (l *Limiter) tokensAt(now time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.TokensAt(now)
}

// RetryDelay is how long a caller denied by TryAcquire should wait before
// resubmitting: one refill interval at the current rate, floored at the most
// recent upstream wait hint.
func (l *Limiter) RetryDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := time.Duration(float64(time.Second) / l.rateTPS)
	if l.lastWaitHint > d {
		d = l.lastWaitHint
	}
	return d
}
