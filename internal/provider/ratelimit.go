package provider

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling LLM API calls.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// limiters hands out one bucket per credential, so one busy tenant cannot
// spend another tenant's vendor quota.
type limiters struct {
	mu            sync.Mutex
	burst         int
	ratePerMinute float64
	buckets       map[string]*RateLimiter
}

func newLimiters(burst int, ratePerMinute float64) *limiters {
	if ratePerMinute <= 0 {
		return nil
	}
	return &limiters{burst: burst, ratePerMinute: ratePerMinute, buckets: make(map[string]*RateLimiter)}
}

func (l *limiters) wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	rl, ok := l.buckets[key]
	if !ok {
		rl = NewRateLimiter(l.burst, l.ratePerMinute)
		l.buckets[key] = rl
	}
	l.mu.Unlock()
	return rl.Wait(ctx)
}
