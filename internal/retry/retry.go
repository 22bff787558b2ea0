// Copyright 2025 James Ross
// Package retry implements the exponential backoff formula the Worker Pool
// uses to reschedule a failed job (spec §4.4).
package retry

import "time"

// MaxDelay is the ceiling every computed backoff is clamped to (spec §4.4:
// "clamped at a maximum of one hour").
const MaxDelay = time.Hour

// Backoff computes delay_n = base * 2^n for the n-th retry (n = attemptsMade
// before this failure, 0-based), clamped to MaxDelay. Grounded on the
// teacher's `backoff(retries, base, max)` in internal/worker/worker.go,
// generalized to a fixed one-hour ceiling instead of a per-queue max.
func Backoff(attemptsMade int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	// Guard against overflow for pathologically large attempt counts; any
	// shift beyond the bit width saturates past MaxDelay anyway.
	if attemptsMade > 62 {
		return MaxDelay
	}
	d := base * time.Duration(uint64(1)<<uint(attemptsMade))
	if d < 0 || d > MaxDelay {
		return MaxDelay
	}
	return d
}
