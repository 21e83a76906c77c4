package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a per-connection token bucket holding capacity tokens and
// refilling capacity tokens every interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Every(interval / time.Duration(capacity))
	return &rateLimiter{limiter: rate.NewLimiter(every, capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
