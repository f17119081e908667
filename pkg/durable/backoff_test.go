package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2,
		MaxInterval:     8 * time.Second,
	}.normalized()

	prevBase := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(p, "wf-1", "extract", attempt, 0)
		base := d - deterministicJitter("wf-1", "extract", attempt, baseDelay(p, attempt)/4)
		require.GreaterOrEqual(t, base, prevBase)
		require.LessOrEqual(t, base, p.MaxInterval)
		require.Less(t, d, base+base/4+time.Nanosecond)
		prevBase = base
	}
}

func TestBackoffDelayDeterministic(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, BackoffFactor: 2, MaxInterval: 30 * time.Second}.normalized()
	a := backoffDelay(p, "wf-1", "extract", 3, 0)
	b := backoffDelay(p, "wf-1", "extract", 3, 0)
	require.Equal(t, a, b)

	other := backoffDelay(p, "wf-2", "extract", 3, 0)
	require.NotEqual(t, a, other, "different workflows must not share a schedule")
}

func TestBackoffDelayRetryAfterOverride(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, BackoffFactor: 2, MaxInterval: 30 * time.Second}.normalized()
	d := backoffDelay(p, "wf-1", "extract", 1, 42*time.Second)
	require.Equal(t, 42*time.Second, d)
}

func baseDelay(p RetryPolicy, attempt int) time.Duration {
	delay := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffFactor
		if delay >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	d := time.Duration(delay)
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
