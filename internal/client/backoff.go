package client

import "time"

// Backoff is the explicit reconnect state: attempt counter, computed
// delay, cap. One scheduler goroutine drives it; nothing recursive.
type Backoff struct {
	Base     time.Duration
	Cap      time.Duration
	Attempts int

	attempt int
}

// Next returns the delay before the upcoming attempt, or false once the
// attempt budget is spent. The delay doubles per attempt and never exceeds
// Cap.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.Attempts > 0 && b.attempt >= b.Attempts {
		return 0, false
	}
	shift := b.attempt
	if shift > 20 {
		shift = 20
	}
	d := b.Base << shift
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	b.attempt++
	return d, true
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt reports how many attempts have been consumed.
func (b *Backoff) Attempt() int { return b.attempt }
