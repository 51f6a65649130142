package common

import "errors"

// Standard errors for use with errors.Is.
var (
	ErrServerBusy  = errors.New("server busy")
	ErrRateLimited = errors.New("rate limited")
	ErrHostLimit   = errors.New("per-host connection limit reached")
)
