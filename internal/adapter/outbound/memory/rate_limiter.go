// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
)

// MemoryRateLimiter implements ratelimit.RateLimiter using GCRA in memory.
// Counters do not survive a restart. A background sweep removes idle keys.
type MemoryRateLimiter struct {
	cells           map[string]time.Time // theoretical arrival time per key
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// RateLimiterOption configures a MemoryRateLimiter.
type RateLimiterOption func(*MemoryRateLimiter)

// WithCleanup sets how often idle keys are swept and how long a key may stay
// idle before removal.
func WithCleanup(interval, maxTTL time.Duration) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.cleanupInterval = interval
		r.maxTTL = maxTTL
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(r *MemoryRateLimiter) { r.now = now }
}

// WithRateLimiterLogger sets the logger used by the cleanup sweep.
func WithRateLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(r *MemoryRateLimiter) { r.logger = logger }
}

// NewRateLimiter creates a limiter sweeping every 5 minutes and dropping keys
// idle for an hour unless overridden.
func NewRateLimiter(opts ...RateLimiterOption) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		cells:           make(map[string]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow consumes one event for key. A config that is not Enabled always
// allows without tracking the key.
func (r *MemoryRateLimiter) Allow(_ context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	if !config.Enabled() {
		return ratelimit.RateLimitResult{Allowed: true, Remaining: -1}, nil
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	emission := config.Period / time.Duration(config.Rate)
	burstOffset := time.Duration(config.Burst) * emission

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tat, exists := r.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	// The event fits if the arrival time stays within the burst window.
	newTAT := tat.Add(emission)
	allowAt := newTAT.Add(-burstOffset)
	if now.Before(allowAt) {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}
	r.cells[key] = newTAT

	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup sweeps idle keys until ctx is cancelled or Stop is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *MemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.maxTTL)
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		r.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop stops the cleanup goroutine and waits for it to exit. Safe to call
// more than once.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
