package locks

import "errors"

// Domain errors for the locks package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, locks.ErrTimeout) {
//	    // lock was not acquired in time; caller decides what to do
//	}
var (
	// ErrTimeout is returned when a mutex is not acquired within its timeout.
	// It is always caller-recoverable and is never retried automatically.
	ErrTimeout = errors.New("locks: acquire timed out")

	// ErrNotOwner is returned when releasing a mutex the caller does not hold.
	ErrNotOwner = errors.New("locks: not held by owner")

	// ErrNoOwner is returned when an empty owner token is supplied.
	ErrNoOwner = errors.New("locks: owner token is required")

	// ErrBrokenBarrier is returned to every waiter of a barrier that was
	// broken by a timeout, a reset, or a failing action.
	ErrBrokenBarrier = errors.New("locks: broken barrier")

	// ErrInvalidParties is returned when a barrier is created with fewer than one party.
	ErrInvalidParties = errors.New("locks: barrier parties must be at least 1")
)
