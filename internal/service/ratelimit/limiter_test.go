package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterDisabled(t *testing.T) {
	l := New(0, 1)
	assert.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
	}
	assert.Zero(t, l.Len())
}

func TestLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	l := New(2, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// other clients have their own bucket
	assert.True(t, l.Allow("b"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// refill never exceeds capacity
	now = now.Add(time.Hour)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	l := New(1, 0.001)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(11 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Len())
}
