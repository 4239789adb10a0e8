// Package acq contains the acquisition mode coordinator and the manager that
// composes the camera, stimulus, transport, and recording layers.
package acq

import "errors"

// Error categories. Configuration errors are fatal at construction and never
// retried. Validation errors are rejected synchronously with no state change.
// Fatal hardware errors force a transition to Idle with a best-effort save of
// partial data. Transient timing degradation is tracked in counters only and
// never surfaces as an error.
var (
	// ErrConfiguration marks construction-time mistakes such as an
	// undersized buffer or an invalid capacity.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation marks rejected requests: unknown direction,
	// non-positive fps, illegal mode transition.
	ErrValidation = errors.New("validation error")

	// ErrFatalHardware marks a device failing mid-session, as opposed to
	// being absent at startup.
	ErrFatalHardware = errors.New("fatal hardware error")
)
