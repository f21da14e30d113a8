package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOfferRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewOfferRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(10 * time.Minute)
	rl.Prune()
	assert.Empty(t, rl.history)
}

func TestOfferRateLimiter_Disabled(t *testing.T) {
	rl := NewOfferRateLimiter(0, time.Minute)
	for range 100 {
		assert.True(t, rl.Allow("a"))
	}
	var nilLimiter *OfferRateLimiter
	assert.True(t, nilLimiter.Allow("a"))
}
