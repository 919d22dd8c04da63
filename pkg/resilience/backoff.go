package resilience

import "time"

// MaxRestartDelay caps the restart backoff of the agent manager.
const MaxRestartDelay = 60 * time.Second

// Backoff computes exponentially growing delays
type Backoff struct {
	// Multiplier applied to the current delay. Defaults to 2.
	Multiplier float64
	// Max caps the delay. Defaults to MaxRestartDelay.
	Max time.Duration
}

// DefaultBackoff doubles the delay up to MaxRestartDelay
func DefaultBackoff() Backoff {
	return Backoff{Multiplier: 2, Max: MaxRestartDelay}
}

// Next returns the delay that follows current
func (b Backoff) Next(current time.Duration) time.Duration {
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	max := b.Max
	if max <= 0 {
		max = MaxRestartDelay
	}
	if current <= 0 {
		current = time.Second
	}

	next := time.Duration(float64(current) * multiplier)
	if next > max || next < current {
		return max
	}
	return next
}
