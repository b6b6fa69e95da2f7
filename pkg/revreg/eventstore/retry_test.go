package eventstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateExponentialBackoffDelay(t *testing.T) {
	p := Policy{BackoffBase: 2 * time.Second, BackoffMax: 60 * time.Second, ExpiryBase: time.Minute}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, 2 * time.Second},
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.CalculateExponentialBackoffDelay(tt.retry), "retry %d", tt.retry)
	}
}

func TestCalculateExponentialBackoffDelay_Defaults(t *testing.T) {
	assert.Equal(t, 2*time.Second, Policy{}.CalculateExponentialBackoffDelay(0))
	assert.Equal(t, 60*time.Second, Policy{}.CalculateExponentialBackoffDelay(30))
}

func TestCalculateEventExpiryTimestamp_GrowsWithRetries(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := p.CalculateEventExpiryTimestamp(now, 0)
	later := p.CalculateEventExpiryTimestamp(now, 3)

	assert.Equal(t, now.Add(62*time.Second), first)
	assert.True(t, later.After(first))
}

func TestIsEventExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, IsEventExpired(now.Add(-time.Second), now))
	assert.True(t, IsEventExpired(now, now))
	assert.False(t, IsEventExpired(now.Add(time.Second), now))
	assert.True(t, IsEventExpired(time.Time{}, now))
}
