package stage

import (
	"math/rand"
	"time"
)

// Backoff decides how long a stage waits before retrying after its
// attempt-th consecutive failure (1-based). ok=false means give up.
type Backoff interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// BackoffFunc adapts a function to Backoff.
type BackoffFunc func(attempt int) (time.Duration, bool)

func (f BackoffFunc) Next(attempt int) (time.Duration, bool) { return f(attempt) }

// Fixed always waits d.
func Fixed(d time.Duration) Backoff {
	return BackoffFunc(func(int) (time.Duration, bool) { return d, true })
}

// Immediate retries without delay.
func Immediate() Backoff { return Fixed(0) }

// Limit stops retrying after n attempts. n <= 0 disables the limit.
func Limit(b Backoff, n int) Backoff {
	return BackoffFunc(func(attempt int) (time.Duration, bool) {
		if n > 0 && attempt > n {
			return 0, false
		}
		return b.Next(attempt)
	})
}

// Exponential doubles the delay on each attempt starting at Base and capped
// at Max. MaxAttempts <= 0 retries forever.
type Exponential struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      bool
	MaxAttempts int
}

func (e Exponential) Next(attempt int) (time.Duration, bool) {
	if e.MaxAttempts > 0 && attempt > e.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	base := e.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := e.Max
	if max <= 0 {
		max = 2 * time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	if e.Jitter {
		j := 0.8 + rand.Float64()*0.4
		d = time.Duration(float64(d) * j)
		if d > max {
			d = max
		}
	}
	return d, true
}
