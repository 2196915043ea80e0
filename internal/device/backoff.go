package device

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryDelay spaces out redials after a recoverable failure. The gateway
// itself never retries; the engine asks for the delay before the next
// attempt it decided to make.
type RetryDelay struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryDelay starts at 500ms and doubles up to 5s.
func DefaultRetryDelay() RetryDelay {
	return RetryDelay{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
}

// For returns the wait before retry number attempt (1-based). Zero Initial
// disables the delay.
func (d RetryDelay) For(attempt int) time.Duration {
	if d.Initial <= 0 || attempt <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.Initial
	b.MaxInterval = d.Max
	if b.MaxInterval < d.Initial {
		b.MaxInterval = d.Initial
	}
	if d.Multiplier > 1 {
		b.Multiplier = d.Multiplier
	}
	b.RandomizationFactor = 0
	b.Reset()

	var next time.Duration
	for i := 0; i < attempt; i++ {
		next = b.NextBackOff()
	}
	return next
}
