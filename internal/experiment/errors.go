package experiment

import "errors"

// Domain errors for the experiment package.
var (
	// ErrUnknownExperiment is returned when no factory is registered under a name.
	ErrUnknownExperiment = errors.New("experiment: unknown experiment")

	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("experiment: already registered")

	// ErrInvalidName is returned for an empty experiment name.
	ErrInvalidName = errors.New("experiment: invalid name")

	// ErrAlreadyStarted is returned when a Supervisor is started twice.
	ErrAlreadyStarted = errors.New("experiment: already started")

	// ErrNotWorker is returned when worker-only state is read in a process
	// that was not started as a worker.
	ErrNotWorker = errors.New("experiment: not a worker process")
)
