package orchestrator

import (
	"math"
	"time"
)

type RetryKind string

const (
	RetryFixed       RetryKind = "fixed"
	RetryLinear      RetryKind = "linear"
	RetryExponential RetryKind = "exponential"
)

// RetryPolicy computes how long a failed attempt waits before the next one. Max caps every
// policy when positive; an uncapped exponential delay saturates instead of overflowing.
type RetryPolicy struct {
	Kind RetryKind
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given attempt, counted from 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration

	switch p.Kind {
	case RetryLinear:
		delay = p.Base * time.Duration(attempt)
	case RetryExponential:
		delay = p.Base
		for i := 1; i < attempt && delay > 0; i++ {
			if delay > math.MaxInt64/2 {
				delay = math.MaxInt64
				break
			}

			delay *= 2

			if p.Max > 0 && delay >= p.Max {
				break
			}
		}
	default:
		delay = p.Base
	}

	if p.Max > 0 && delay > p.Max {
		return p.Max
	}

	return delay
}
