package util

import "time"

// Backoff computes bounded exponential retry delays: Initial, 2*Initial,
// 4*Initial, ... capped at Max. It never signals giving up; callers retry
// until their context is cancelled.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := initial
	for i := 0; i < b.attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	b.attempt++
	return d
}

// Reset restarts the schedule after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays were handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
