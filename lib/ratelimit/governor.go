package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Outcome classifies the result of a single upstream request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeServerError
	OutcomeClientError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeClientError:
		return "client_error"
	}
	return "unknown"
}

type Config struct {
	// pacing interval applied between requests when the upstream is healthy
	BaseDelay time.Duration
	// multiplier applied per consecutive failure
	BackoffFactor float64
	// ceiling on the computed pacing interval
	MaxDelay time.Duration
	// consecutive failures after which a global cooldown is imposed
	CooldownAfter int
	// length of the global cooldown
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:     1200 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      2 * time.Minute,
		CooldownAfter: 5,
		Cooldown:      5 * time.Minute,
	}
}

// Governor paces requests against an upstream whose rate limits are
// undocumented and discovered empirically. The current pacing interval
// never decreases while consecutive failures accumulate and returns to
// the floor once a run of successes brings the failure counter to zero.
type Governor struct {
	cfg Config

	mu            sync.Mutex
	failures      int
	delay         time.Duration
	nextAllowed   time.Time
	cooldownUntil time.Time
}

func NewGovernor(cfg Config) *Governor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultConfig().BackoffFactor
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Governor{
		cfg:   cfg,
		delay: cfg.BaseDelay,
	}
}

// Wait blocks until both the per-request pacing interval and any active
// global cooldown have elapsed, or until ctx is cancelled. Concurrent
// callers are serialized: each reserves the next pacing slot.
func (g *Governor) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	wake := g.nextAllowed
	if wake.Before(now) {
		wake = now
	}
	if g.cooldownUntil.After(wake) {
		wake = g.cooldownUntil
	}
	g.nextAllowed = wake.Add(g.delay)
	g.mu.Unlock()

	d := time.Until(wake)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordOutcome folds a request result into the shared rate state.
func (g *Governor) RecordOutcome(o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch o {
	case OutcomeRateLimited, OutcomeServerError:
		g.failures++
		g.delay = g.backoffDelay(g.failures)
		if g.cfg.CooldownAfter > 0 && g.failures >= g.cfg.CooldownAfter {
			until := time.Now().Add(g.cfg.Cooldown)
			if until.After(g.cooldownUntil) {
				g.cooldownUntil = until
			}
		}
	case OutcomeOK:
		if g.failures > 0 {
			g.failures--
		}
		if g.failures == 0 {
			g.delay = g.cfg.BaseDelay
		}
	case OutcomeClientError:
		// a permanent client error says nothing about throttling
	}
}

func (g *Governor) backoffDelay(failures int) time.Duration {
	d := float64(g.cfg.BaseDelay)
	for i := 0; i < failures; i++ {
		d *= g.cfg.BackoffFactor
		if d >= float64(g.cfg.MaxDelay) {
			return g.cfg.MaxDelay
		}
	}
	return time.Duration(d)
}

// Delay reports the current pacing interval.
func (g *Governor) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

// ConsecutiveFailures reports the current failure counter.
func (g *Governor) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// CoolingDown reports whether a global cooldown is in effect.
func (g *Governor) CoolingDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil.After(time.Now())
}
