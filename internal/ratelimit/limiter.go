// Package ratelimit paces requests to one target: a minimum inter-request
// delay, a FIFO concurrency bound, random jitter, and an adaptive
// exponential backoff driven by failures.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config is the static pacing policy of one target.
type Config struct {
	BaseDelay          time.Duration `yaml:"base_delay"`
	JitterMin          time.Duration `yaml:"jitter_min"`
	JitterMax          time.Duration `yaml:"jitter_max"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	Multiplier         float64       `yaml:"multiplier"`
	ThrottleMultiplier float64       `yaml:"throttle_multiplier"` // used for 429/503 responses
}

// DefaultConfig is the conservative fallback for targets without an entry.
var DefaultConfig = Config{
	BaseDelay:          2 * time.Second,
	JitterMin:          0,
	JitterMax:          time.Second,
	MaxBackoff:         60 * time.Second,
	MaxConcurrent:      1,
	Multiplier:         2,
	ThrottleMultiplier: 3,
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultConfig.Multiplier
	}
	if c.ThrottleMultiplier < c.Multiplier {
		c.ThrottleMultiplier = c.Multiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	return c
}

// Limiter gates calls to one target. Every successful Wait must be followed
// by exactly one Done or OnError.
type Limiter struct {
	name   string
	cfg    Config
	pacer  *rate.Limiter
	slots  *semaphore.Weighted
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration

	mu                sync.Mutex
	inFlight          int
	consecutiveErrors int
	backoff           time.Duration
}

// New creates a limiter for one target.
func New(name string, cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	every := rate.Inf
	if cfg.BaseDelay > 0 {
		every = rate.Every(cfg.BaseDelay)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return &Limiter{
		name:  name,
		cfg:   cfg,
		pacer: rate.NewLimiter(every, 1),
		slots: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sleep: sleepCtx,
		jitter: func(min, max time.Duration) time.Duration {
			if max <= min {
				return min
			}
			rngMu.Lock()
			defer rngMu.Unlock()
			return min + time.Duration(rng.Int63n(int64(max-min)))
		},
	}
}

// Name is the target the limiter paces.
func (l *Limiter) Name() string { return l.name }

// Wait blocks until the next request to the target may be issued.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.pacer.Wait(ctx); err != nil {
		l.slots.Release(1)
		return err
	}
	if extra := l.jitter(l.cfg.JitterMin, l.cfg.JitterMax) + l.Backoff(); extra > 0 {
		if err := l.sleep(ctx, extra); err != nil {
			l.slots.Release(1)
			return err
		}
	}
	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()
	return nil
}

// Done marks the last request successful and resets the backoff.
func (l *Limiter) Done() {
	l.mu.Lock()
	l.consecutiveErrors = 0
	l.backoff = 0
	l.mu.Unlock()
	l.release()
}

// OnError marks the last request failed. statusCode is the HTTP status, or 0
// for transport-level failures.
func (l *Limiter) OnError(statusCode int) {
	l.mu.Lock()
	l.consecutiveErrors++
	mult := l.cfg.Multiplier
	if IsThrottle(statusCode) {
		mult = l.cfg.ThrottleMultiplier
	}
	l.backoff = backoffFor(l.cfg.BaseDelay, mult, l.consecutiveErrors, l.cfg.MaxBackoff)
	l.mu.Unlock()
	l.release()
}

// Backoff is the delay currently added on top of the base pacing.
func (l *Limiter) Backoff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

// ConsecutiveErrors is the number of failures since the last success.
func (l *Limiter) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveErrors
}

func (l *Limiter) release() {
	l.mu.Lock()
	held := l.inFlight > 0
	if held {
		l.inFlight--
	}
	l.mu.Unlock()
	if held {
		l.slots.Release(1)
	}
}

// IsThrottle reports status codes that mean "slow down".
func IsThrottle(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable
}

// backoffFor computes min(base * mult^(errors-1), cap).
func backoffFor(base time.Duration, mult float64, errors int, cap time.Duration) time.Duration {
	if errors <= 0 || base <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(mult, float64(errors-1))
	if d >= float64(cap) || math.IsInf(d, 1) {
		return cap
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
