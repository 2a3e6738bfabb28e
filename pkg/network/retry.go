package network

import "time"

// Retry is an exponential backoff: every failure doubles the wait
// up to max, a success resets it.
type Retry struct {
	min, max time.Duration
	t        time.Duration
	fails    int
}

func NewRetry(min, max time.Duration) Retry {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return Retry{min: min, max: max, t: min}
}

// Fail returns how long to wait before the next attempt.
func (r *Retry) Fail() time.Duration {
	wait := r.t
	r.fails++
	if r.t *= 2; r.t > r.max {
		r.t = r.max
	}
	return wait
}

func (r *Retry) Success()            { r.t = r.min; r.fails = 0 }
func (r *Retry) Time() time.Duration { return r.t }
func (r *Retry) Attempts() int       { return r.fails }
