package durable

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// backoffDelay computes the wait before the given retry attempt (1-based
// count of failures so far). Exponential with a deterministic jitter: the
// jitter is a SHA-256 PRF over (workflow, activity, attempt) so replays and
// tests observe identical schedules. A rate-limit delay supplied by the
// server overrides the computed value.
func backoffDelay(p RetryPolicy, workflowID, activity string, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffFactor
		if delay >= float64(p.MaxInterval) {
			delay = float64(p.MaxInterval)
			break
		}
	}
	d := time.Duration(delay)
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d + deterministicJitter(workflowID, activity, attempt, d/4)
}

// deterministicJitter derives a jitter in [0, max) from a PRF seed.
func deterministicJitter(workflowID, activity string, attempt int, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", workflowID, activity, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(max))
}
