package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallerRateLimiterAllowsBurstThenDenies(t *testing.T) {
	limiter := NewCallerRateLimiter(1, time.Hour, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("user-1"), "burst request %d should pass", i)
	}
	assert.False(t, limiter.Allow("user-1"))

	// A different caller has its own budget.
	assert.True(t, limiter.Allow("user-2"))
}

func TestCallerRateLimiterExpiresIdleEntries(t *testing.T) {
	limiter := NewCallerRateLimiter(1, time.Hour, 1, 10*time.Millisecond)

	base := time.Now()
	limiter.now = func() time.Time { return base }

	assert.True(t, limiter.Allow("user-1"))
	assert.False(t, limiter.Allow("user-1"))

	// Another caller's request past the ttl garbage-collects the idle
	// entry, so the first caller's budget resets.
	limiter.now = func() time.Time { return base.Add(time.Second) }
	assert.True(t, limiter.Allow("user-2"))
	assert.True(t, limiter.Allow("user-1"))
}
