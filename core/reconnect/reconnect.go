package reconnect

import (
	"context"
	"time"
)

// Policy maps a zero-based attempt number to the wait before the next attempt.
type Policy func(attempt int) time.Duration

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Fixed returns a policy that always waits d.
func Fixed(d time.Duration) Policy {
	return func(int) time.Duration { return d }
}

// Run calls fn until ctx is done, waiting between calls according to policy.
// fn returning nil resets the attempt counter; the loop still continues, since
// a session that ended cleanly is simply re-established.
func Run(ctx context.Context, policy Policy, fn func(context.Context) error, onRetry func(err error, wait time.Duration)) error {
	if policy == nil {
		policy = Delay
	}
	attempt := 0
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			attempt = 0
		}
		wait := policy(attempt)
		attempt++
		if onRetry != nil {
			onRetry(err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
