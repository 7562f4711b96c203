package util

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/course-progress-sync/internal/logger"
)

var (
	// DefaultRate is the default minimum time between requests
	DefaultRate = 100 * time.Millisecond
	// DefaultBurst is the default burst size
	DefaultBurst = 10
	// MaxRate caps the delay between requests after repeated rate limiting
	MaxRate = 5 * time.Second
)

// RateLimiter is a token bucket shared by every request to the course service.
// Bursts of progress pushes (a seek right after a heartbeat) pass immediately
// while sustained traffic is spread out.
type RateLimiter struct {
	mu        sync.Mutex
	last      time.Time
	rate      time.Duration
	minRate   time.Duration
	tokens    int
	maxTokens int
	lastDrop  time.Time
	log       *logger.Logger
}

// NewRateLimiter creates a limiter refilling one token per rate, holding at most burst tokens
func NewRateLimiter(rate time.Duration, burst int, log *logger.Logger) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if log == nil {
		log = logger.Get()
	}
	now := time.Now()
	return &RateLimiter{
		last:      now,
		rate:      rate,
		minRate:   rate,
		tokens:    burst,
		maxTokens: burst,
		lastDrop:  now,
		log:       log.Component("rate_limiter"),
	}
}

// Wait blocks until a token is available or the context is done
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill(time.Now())
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := time.Until(r.last.Add(r.rate))
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	n := int(elapsed / r.rate)
	r.tokens += n
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.last = r.last.Add(time.Duration(n) * r.rate)
}

// OnRateLimit slows the limiter down after the service answered 429 and
// returns how long the caller should hold off.
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	factor := 1.2
	if now.Sub(r.lastDrop) < 5*time.Minute {
		factor = 1.5
	}
	r.rate = time.Duration(factor * float64(r.rate))
	if r.rate > MaxRate {
		r.rate = MaxRate
	}
	r.lastDrop = now

	r.log.Warn("Rate limited, increasing delay between requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
	})

	if retryAfter > r.rate {
		return retryAfter
	}
	return r.rate
}

// ResetRate restores the configured rate
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = r.minRate
}

// GetRate returns the current rate
func (r *RateLimiter) GetRate() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
