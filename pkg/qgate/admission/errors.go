package admission

import "errors"

// Standard errors for use with errors.Is.
var (
	ErrInvariantViolated = errors.New("admission structure invariant violated")
	ErrDisconnected      = errors.New("peer disconnected")
	ErrAlreadyStarted    = errors.New("controller already started")
	ErrClosed            = errors.New("admission controller closed")
)
