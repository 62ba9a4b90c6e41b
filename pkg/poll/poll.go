// Package poll provides a bounded, fixed-interval polling primitive.
//
// Poll never retries forever: every call is bounded by an attempt count, and
// running out of attempts is reported as an outcome rather than an error.
package poll

import (
	"context"
	"time"
)

// Outcome is the result classification of a Poll call.
type Outcome int

const (
	// Ready means the predicate returned true.
	Ready Outcome = iota
	// Exhausted means every attempt returned false.
	Exhausted
	// Cancelled means the context ended before the predicate became true.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Predicate is evaluated once per attempt.
type Predicate func(ctx context.Context) bool

// Result reports the outcome and how many attempts were made.
type Result struct {
	Outcome  Outcome
	Attempts int
}

// Ready reports whether the predicate succeeded.
func (r Result) Ready() bool {
	return r.Outcome == Ready
}

// Poll calls pred up to maxAttempts times, sleeping interval between attempts.
// There is no sleep after the final attempt. maxAttempts below 1 is treated
// as 1.
func Poll(ctx context.Context, pred Predicate, interval time.Duration, maxAttempts int) Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Attempts: attempt - 1}
		}
		if pred(ctx) {
			return Result{Outcome: Ready, Attempts: attempt}
		}
		if attempt == maxAttempts {
			break
		}

		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return Result{Outcome: Cancelled, Attempts: attempt}
		case <-timer.C:
		}
	}

	return Result{Outcome: Exhausted, Attempts: maxAttempts}
}

// AttemptsFor returns how many attempts of the given interval fit within
// timeout, never fewer than one.
func AttemptsFor(timeout, interval time.Duration) int {
	if interval <= 0 || timeout <= 0 {
		return 1
	}
	n := int(timeout / interval)
	if n < 1 {
		return 1
	}
	return n
}
