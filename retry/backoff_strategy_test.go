package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFixedBackoff(t *testing.T) {
	b := NewFixedBackoff(250 * time.Millisecond)
	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, 250*time.Millisecond, b.Next(attempt))
	}
}

func TestLinearBackoff(t *testing.T) {
	b := NewLinearBackoff(time.Second, 500*time.Millisecond)
	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, 1500*time.Millisecond, b.Next(1))
	assert.Equal(t, 2500*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(-4))
}

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, 2, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 200*time.Millisecond, b.Next(1))
	assert.Equal(t, 800*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(4))
	assert.Equal(t, time.Second, b.Next(60))
}

func TestExponentialBackoff_DefaultsMultiplier(t *testing.T) {
	b := NewExponentialBackoff(time.Millisecond, 0.5, 0)
	assert.Equal(t, 4*time.Millisecond, b.Next(2))
}

// TestBackoffProperties checks that exponential backoff never decreases
// with the attempt number and never exceeds its cap, and that jitter keeps
// a delay within [d/2, d].
func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("exponential backoff is monotonic and capped", prop.ForAll(
		func(baseMs, maxMs int64, multiplier float64, attempt int) bool {
			b := NewExponentialBackoff(
				time.Duration(baseMs)*time.Millisecond,
				multiplier,
				time.Duration(maxMs)*time.Millisecond,
			)
			cur, next := b.Next(attempt), b.Next(attempt+1)
			if next < cur {
				return false
			}
			return next <= time.Duration(maxMs)*time.Millisecond
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 60000),
		gen.Float64Range(1, 4),
		gen.IntRange(0, 40),
	))

	properties.Property("jitter stays within half to full delay", prop.ForAll(
		func(ms int64) bool {
			d := time.Duration(ms) * time.Millisecond
			j := withJitter(d)
			return j >= d/2 && j <= d
		},
		gen.Int64Range(0, 10000),
	))

	properties.TestingRun(t)
}
