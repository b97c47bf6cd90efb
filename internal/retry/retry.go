// Package retry centralizes the pipeline's retry policy: every stage that
// schedules a redelivery consults the same policy instead of carrying its
// own backoff math.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes retry scheduling: a fixed retry budget, exponential
// backoff that doubles per attempt, and full jitter to avoid thundering
// redeliveries after an outage.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Default returns the pipeline-wide policy: 3 retries, 2s base, 5m cap.
func Default() *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// New builds a policy, substituting defaults for non-positive values.
func New(maxRetries int, baseDelay, maxDelay time.Duration) *Policy {
	d := Default()
	if maxRetries > 0 {
		d.MaxRetries = maxRetries
	}
	if baseDelay > 0 {
		d.BaseDelay = baseDelay
	}
	if maxDelay > 0 {
		d.MaxDelay = maxDelay
	}
	return d
}

// Exhausted reports whether a unit of work that has already failed
// `attempts` times has spent its retry budget. The first execution is not
// a retry: a job fails for good on failure number MaxRetries+1.
func (p *Policy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}

// Delay returns the backoff before retry number `attempt` (1-based).
// The envelope doubles per attempt: base, 2*base, 4*base, ... capped at
// MaxDelay; the actual delay is drawn uniformly from (0, envelope] with a
// 100ms floor so redeliveries never busy-loop.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	envelope := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if envelope > float64(p.MaxDelay) {
		envelope = float64(p.MaxDelay)
	}

	jittered := time.Duration(rand.Float64() * envelope)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

// DelayWithHint honors an explicit retry-after hint when the failure
// supplied one, falling back to the computed backoff otherwise.
func (p *Policy) DelayWithHint(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}
	return p.Delay(attempt)
}

// Envelope returns the deterministic upper bound of Delay for the given
// attempt. Exposed for scheduling next_attempt_at without consuming jitter.
func (p *Policy) Envelope(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	envelope := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if envelope > float64(p.MaxDelay) {
		envelope = float64(p.MaxDelay)
	}
	return time.Duration(envelope)
}
