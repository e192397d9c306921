package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Allow(t *testing.T) {
	t.Run("allows requests under the limits", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(5, 2)

		allowed, reason := limiter.Allow()
		assert.True(t, allowed)
		assert.Empty(t, reason)
	})

	t.Run("denies when window is full", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(3, 10)

		for i := 0; i < 3; i++ {
			limiter.Begin()
			limiter.End()
		}

		allowed, reason := limiter.Allow()
		assert.False(t, allowed)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("denies when too many requests in flight", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(60, 2)

		limiter.Begin()
		limiter.Begin()

		allowed, reason := limiter.Allow()
		assert.False(t, allowed)
		assert.Equal(t, "too many concurrent requests", reason)
	})

	t.Run("allows again once a request ends", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(60, 1)

		limiter.Begin()
		allowed, _ := limiter.Allow()
		assert.False(t, allowed)

		limiter.End()
		allowed, _ = limiter.Allow()
		assert.True(t, allowed)
	})
}

func TestClientRateLimiter_Stats(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(60, 10)

	limiter.Begin()
	limiter.Begin()
	limiter.End()

	requests, concurrent := limiter.Stats()
	assert.Equal(t, 2, requests)
	assert.Equal(t, 1, concurrent)
}
