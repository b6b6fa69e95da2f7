package eventstore

import (
	"time"
)

// Policy holds the saga retry timing parameters.
type Policy struct {
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMax caps the delay between retries.
	BackoffMax time.Duration

	// ExpiryBase is how long a step may run before recovery considers it
	// stuck, not counting the retry backoff.
	ExpiryBase time.Duration
}

// DefaultPolicy returns the default timing: 2s doubling up to 60s, and a 60s
// expiry window.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
		ExpiryBase:  60 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.ExpiryBase <= 0 {
		p.ExpiryBase = def.ExpiryBase
	}
	return p
}

// CalculateExponentialBackoffDelay returns BackoffBase * 2^retryCount,
// capped at BackoffMax. Negative counts are treated as zero.
func (p Policy) CalculateExponentialBackoffDelay(retryCount int) time.Duration {
	p = p.withDefaults()
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.BackoffBase
	for range retryCount {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return min(delay, p.BackoffMax)
}

// CalculateEventExpiryTimestamp returns the instant after which a step at
// retryCount is considered stuck. The window grows with the backoff so
// slower retries get proportionally more time.
func (p Policy) CalculateEventExpiryTimestamp(now time.Time, retryCount int) time.Time {
	p = p.withDefaults()
	return now.Add(p.ExpiryBase + p.CalculateExponentialBackoffDelay(retryCount))
}

// IsEventExpired reports whether expiry has elapsed at now. A zero expiry
// is always expired.
func IsEventExpired(expiry, now time.Time) bool {
	return expiry.IsZero() || !now.Before(expiry)
}
