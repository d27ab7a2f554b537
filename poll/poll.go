// Package poll waits on the wireless daemon with a fixed budget of attempts.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned by Until when every attempt reported not done.
var ErrExhausted = errors.New("poll attempts exhausted")

// Policy bounds a wait: at most Attempts checks, Interval apart.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Until calls check until it reports done, returns an error, or the policy runs
// out. A check error stops the wait immediately and is returned as-is.
func Until(ctx context.Context, p Policy, check func(attempt int) (bool, error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		done, err := check(i)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts {
			break
		}
		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrExhausted
}
