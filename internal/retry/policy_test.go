package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(BackoffFixed, 5*time.Second, 2*time.Second)
	assert.Equal(t, 2*time.Second, p.Initial, "initial clamps to max")
	assert.Equal(t, BackoffFixed, p.Mode)

	p = NewPolicy("bogus", 0, 0)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestDelayModes(t *testing.T) {
	fixed := NewPolicy(BackoffFixed, time.Minute, time.Hour)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, time.Minute, fixed.Delay(i))
	}
	linear := NewPolicy(BackoffLinear, time.Minute, 150*time.Second)
	assert.Equal(t, time.Minute, linear.Delay(1))
	assert.Equal(t, 2*time.Minute, linear.Delay(2))
	assert.Equal(t, 150*time.Second, linear.Delay(3))

	exp := NewPolicy(BackoffExponential, time.Minute, 5*time.Minute)
	assert.Equal(t, time.Minute, exp.Delay(1))
	assert.Equal(t, 2*time.Minute, exp.Delay(2))
	assert.Equal(t, 4*time.Minute, exp.Delay(3))
	assert.Equal(t, 5*time.Minute, exp.Delay(4))
	assert.Equal(t, 5*time.Minute, exp.Delay(64))
	assert.Equal(t, time.Duration(0), exp.Delay(0))
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicy(BackoffFixed, time.Hour, time.Hour)
	next := p.NextRetryOn(now, 1)
	assert.Equal(t, "2026-03-01T13:00:00Z", next)
	assert.False(t, Due(next, now))
	assert.True(t, Due(next, now.Add(time.Hour)))
	assert.True(t, Due("", now))
}
