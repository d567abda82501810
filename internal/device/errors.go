package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrCollision) {
//	    // a different device already owns the key
//	}
var (
	// ErrNotRegistered is returned when a key has neither an entry nor a factory.
	ErrNotRegistered = errors.New("device: never registered")

	// ErrCollision is returned when a key or alias is bound to a different
	// device, or a device is bound under a second key.
	ErrCollision = errors.New("device: collision")

	// ErrAliasCollision is returned when Link names an alias already linked
	// to another key.
	ErrAliasCollision = errors.New("device: alias collision")

	// ErrInvalidKey is returned for an empty key or alias.
	ErrInvalidKey = errors.New("device: invalid key")

	// ErrInvalidDevice is returned when a nil device or factory is supplied.
	ErrInvalidDevice = errors.New("device: invalid device")

	// ErrNotOpen is returned when a closed serial device is used.
	ErrNotOpen = errors.New("device: not open")

	// ErrReadTimeout is returned when an instrument does not answer in time.
	ErrReadTimeout = errors.New("device: read timeout")
)
