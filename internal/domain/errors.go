package domain

import "errors"

// The four failure kinds remote callers can distinguish. Everything the
// bridge returns wraps one of these; boundaries test with errors.Is.
var (
	// ErrUnknownUnitKey means the key is not in the catalog, or no snapshot
	// exists for it yet.
	ErrUnknownUnitKey = errors.New("unknown unit key")

	// ErrServiceUnavailable means the service manager rejected a LoadUnit
	// for the configured unit name.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrBusCallFailed covers transport or remote errors on the local bus.
	ErrBusCallFailed = errors.New("bus call failed")

	// ErrInvalidUnitName means the manager rejected an enable/disable target
	// outright.
	ErrInvalidUnitName = errors.New("invalid unit name")
)
