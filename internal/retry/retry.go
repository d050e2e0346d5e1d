// Package retry holds the reusable retry strategy used around network calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how many attempts an operation gets and how long to wait
// after each failed attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff returns the wait after failed attempt n (1-based).
	Backoff func(attempt int) time.Duration
	// MaxElapsed bounds the whole retry loop; zero keeps the library default.
	MaxElapsed time.Duration
}

// Linear waits step, 2*step, 3*step, ... between attempts.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Default is three attempts with 2s and 4s pauses.
func Default() Policy {
	return Policy{MaxAttempts: 3, Backoff: Linear(2 * time.Second)}
}

// Notify is called before each wait with the attempt that just failed.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, the attempts are exhausted or ctx ends. The
// error of the last attempt is returned on exhaustion.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error), notify Notify) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sched := &schedule{delay: p.Backoff}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(sched),
		backoff.WithMaxTries(uint(attempts)),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(attempt)
	}, opts...)
}

// schedule adapts a Policy backoff function to backoff.BackOff.
type schedule struct {
	delay   func(int) time.Duration
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	if s.delay == nil {
		return 0
	}
	return s.delay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }
