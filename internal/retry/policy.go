package retry

import (
	"fmt"
	"time"
)

type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Policy schedules incident retries. It is immutable after construction.
type Policy struct {
	Mode    BackoffMode
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy backs off exponentially from 15 minutes up to 6 hours.
func DefaultPolicy() Policy {
	return Policy{Mode: BackoffExponential, Initial: 15 * time.Minute, Max: 6 * time.Hour}
}

// NewPolicy builds a policy from raw config fields; zero or unknown values fall back to defaults.
func NewPolicy(mode BackoffMode, initial, maxDuration time.Duration) Policy {
	p := DefaultPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	switch mode {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff for the given retry number (1-based).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case BackoffFixed:
		return p.Initial
	case BackoffExponential:
		if retryCount > 30 {
			return p.Max
		}
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default:
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// NextRetryOn formats the earliest retry time as RFC3339 UTC.
func (p Policy) NextRetryOn(now time.Time, retryCount int) string {
	return now.Add(p.Delay(retryCount)).UTC().Format(time.RFC3339)
}

// Due reports whether an incident scheduled for nextRetryOn may be retried at now.
// An empty or unparsable timestamp is always due.
func Due(nextRetryOn string, now time.Time) bool {
	if nextRetryOn == "" {
		return true
	}
	at, err := time.Parse(time.RFC3339, nextRetryOn)
	if err != nil {
		return true
	}
	return !now.Before(at)
}

func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	return nil
}
