package shm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nerrad567/benchrig/internal/locks"
)

// Domain errors for the shm package.
//
// Remote lock timeouts, ownership violations and broken barriers are reported
// with the locks package sentinels, so callers check one set of errors for
// local and server-hosted primitives alike.
var (
	// ErrConnectionRefused is returned when nothing is listening at the
	// server address. It is fatal to that operation and never retried.
	ErrConnectionRefused = errors.New("shm: connection refused")

	// ErrClientClosed is returned when a closed client is used.
	ErrClientClosed = errors.New("shm: client closed")

	// ErrKeyNotFound is returned when a namespace key has no value.
	ErrKeyNotFound = errors.New("shm: key not found")

	// ErrInvalidRequest is returned when the server rejects malformed arguments.
	ErrInvalidRequest = errors.New("shm: invalid request")

	// ErrAlreadyStarted is returned when Start is called on a running server.
	ErrAlreadyStarted = errors.New("shm: server already started")
)

// toStatus converts a server-side error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, locks.ErrBrokenBarrier):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, locks.ErrNotOwner):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, locks.ErrInvalidParties), errors.Is(err, locks.ErrNoOwner), errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC error received by the client back onto the
// package sentinels, keeping the server's message.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.Unavailable:
		sentinel = ErrConnectionRefused
	case codes.Aborted:
		sentinel = locks.ErrBrokenBarrier
	case codes.FailedPrecondition:
		sentinel = locks.ErrNotOwner
	case codes.InvalidArgument:
		sentinel = ErrInvalidRequest
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	default:
		return fmt.Errorf("shm: %s: %s", st.Code(), st.Message())
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
