package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second, Attempts: 6}

	var delays []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, delays)
}

func TestBackoffExhaustion(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, Attempts: 2}

	_, ok := b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	assert.False(t, ok, "attempt budget spent")
	assert.Equal(t, 2, b.Attempt())
}

func TestBackoffReset(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, Attempts: 3}
	b.Next()
	b.Next()
	b.Reset()

	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d, "delay restarts from base after reset")
}

func TestBackoffUnlimitedAttempts(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d, ok := b.Next()
		require.True(t, ok)
		assert.LessOrEqual(t, d, 10*time.Millisecond)
	}
}
