// Package retry classifies failures as transient or permanent and computes
// backoff delays. Backoff is deterministic so persisted schedules (payment
// retries, gateway inbox) can be reproduced; Do adds jitter for short
// in-process retries such as re-acquiring an account lock.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and the schedulers stop retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, ctx ends, or
// attempts run out. Waits follow Backoff(attempt, base, 32*base) with up to
// 25% jitter either way. A permanent error is returned unwrapped.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		wait := jitter(Backoff(attempt, base, 32*base))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// jitter spreads d by ±25%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := int64(binary.LittleEndian.Uint64(b[:]) >> 1)
	return d - time.Duration(spread) + time.Duration(n%(2*spread+1))
}
