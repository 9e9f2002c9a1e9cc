// Package ratelimit spaces out requests to the same host by a politeness interval.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trivalaya/lotscraper/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	intervals       map[string]time.Duration
	defaultInterval time.Duration
	burst           int
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultInterval is the minimum spacing between requests to a host; zero disables limiting.
	DefaultInterval time.Duration
	Burst           int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		intervals:       make(map[string]time.Duration),
		defaultInterval: cfg.DefaultInterval,
		burst:           burst,
	}
}

// SetInterval overrides the spacing for one host, typically from a site's crawl_delay.
func (l *Limiter) SetInterval(host string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals[host] = interval
	if limiter, ok := l.limiters[host]; ok {
		limiter.SetLimit(limitFor(interval))
	}
}

// Wait blocks until the host of rawURL may be contacted again, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeHost(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		interval, overridden := l.intervals[host]
		if !overridden {
			interval = l.defaultInterval
		}
		limiter = rate.NewLimiter(limitFor(interval), l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
