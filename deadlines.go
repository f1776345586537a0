package sshchan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getlantern/sshchan/internal/pool"
)

// pollSlack bounds a single wait for readiness. Readiness notifications are advisory, so a waiter
// re-checks its operation at least this often even if no notification arrives.
const pollSlack = time.Second

// deadline is a point in time after which a retried operation gives up. The zero deadline never
// expires.
type deadline struct {
	t time.Time
}

// newDeadline starts a deadline timeout from now. A timeout <= 0 yields the zero deadline.
func newDeadline(timeout time.Duration) deadline {
	if timeout <= 0 {
		return deadline{}
	}
	return deadline{time.Now().Add(timeout)}
}

func (d deadline) expired() bool {
	if d.t.IsZero() {
		return false
	}
	return !time.Now().Before(d.t)
}

// wait blocks until ready is closed, the deadline may have expired, ctx is done, or pollSlack
// passes, whichever happens first. Callers must confirm expiration with d.expired.
func (d deadline) wait(ctx context.Context, ready <-chan struct{}) error {
	slack := pollSlack
	if !d.t.IsZero() {
		if untilExpiry := time.Until(d.t); untilExpiry < slack {
			slack = untilExpiry
		}
	}
	if slack <= 0 {
		return nil
	}
	timer := pool.GetTimer(slack)
	defer pool.PutTimer(timer)

	select {
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// signal is a broadcast notification. Each call to notify wakes everyone currently waiting on a
// channel obtained from Ready. Waiters must obtain the channel before checking the condition they
// wait for, otherwise a notification may be missed.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *signal) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *signal) notify() {
	s.mu.Lock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
	s.mu.Unlock()
}

// readier is anything which can tell a retry loop when to try again.
type readier interface {
	Ready() <-chan struct{}
}

// retry calls op until it succeeds, fails with something other than ErrWouldBlock, or the timeout
// passes. A timeout <= 0 means no deadline. The deadline is fixed before the first attempt.
//
// Between attempts retry waits for r to signal readiness. Hard errors are passed through mapErr,
// which translates them using the secure session's last-error state.
func retry[T any](ctx context.Context, r readier, timeout time.Duration, mapErr func(error) error, op func() (T, error)) (T, error) {
	return retryUntil(ctx, r, newDeadline(timeout), mapErr, op)
}

// retryUntil is retry with a deadline fixed by the caller, so that one deadline can bound several
// operations.
func retryUntil[T any](ctx context.Context, r readier, dl deadline, mapErr func(error) error, op func() (T, error)) (T, error) {
	for {
		ready := r.Ready()
		res, err := op()
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			if mapErr != nil {
				err = mapErr(err)
			}
			return res, err
		}
		if dl.expired() {
			return res, ErrTimeout
		}
		if err := dl.wait(ctx, ready); err != nil {
			return res, err
		}
	}
}

// callStatus is retry for operations which only report success or failure.
func callStatus(ctx context.Context, r readier, timeout time.Duration, mapErr func(error) error, op func() error) error {
	_, err := retry(ctx, r, timeout, mapErr, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// callHandle is retry for operations which hand back a resource once it becomes available.
func callHandle[T any](ctx context.Context, r readier, timeout time.Duration, mapErr func(error) error, op func() (T, error)) (T, error) {
	return retry(ctx, r, timeout, mapErr, op)
}
