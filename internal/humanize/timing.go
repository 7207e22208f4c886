// Package humanize adds the irregular pacing of a human operator to
// browser interactions. Fixed machine-regular delays between clicks are
// themselves a bot signal.
package humanize

import (
	"context"
	"math/rand"
	"time"
)

// RandomDuration returns a random duration between min and max
// milliseconds.
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.Intn(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// PreClickDelay is the pause before pressing a control, like a human
// locating it first.
func PreClickDelay() time.Duration {
	return RandomDuration(100, 400)
}

// PostClickDelay is the dwell after a click while the page reacts.
func PostClickDelay() time.Duration {
	return RandomDuration(300, 800)
}

// SleepWithContext sleeps for the specified duration or until the
// context is canceled. Returns true if the sleep completed normally.
func SleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RandomWait sleeps for a random duration between min and max
// milliseconds, respecting cancellation.
func RandomWait(ctx context.Context, minMs, maxMs int) bool {
	return SleepWithContext(ctx, RandomDuration(minMs, maxMs))
}
