package retry

import (
	"math/rand/v2"
	"time"
)

type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Next(_ int) time.Duration { return b.Delay }

type LinearBackoff struct {
	Base time.Duration
	Step time.Duration
}

func (b LinearBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return b.Base + (b.Step * time.Duration(attempt))
}

type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if b.Max > 0 && b.Base > b.Max {
		return b.Max
	}
	if attempt <= 0 {
		return b.Base
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if b.Max > 0 && delay >= float64(b.Max) {
			return b.Max
		}
	}

	return time.Duration(delay)
}

func NewFixedBackoff(delay time.Duration) BackoffStrategy {
	return FixedBackoff{delay}
}

func NewLinearBackoff(base time.Duration, step time.Duration) BackoffStrategy {
	return LinearBackoff{base, step}
}

func NewExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) BackoffStrategy {
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return ExponentialBackoff{base, multiplier, max}
}

// withJitter spreads d uniformly over [d/2, d].
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}
