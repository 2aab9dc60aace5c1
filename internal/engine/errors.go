package engine

import "errors"

// Precondition errors abort the whole operation before any mutation and
// are surfaced to the caller verbatim.
var (
	ErrNotFound       = errors.New("experiment not found")
	ErrAlreadyRunning = errors.New("experiment is already running")
	ErrNoEvaluators   = errors.New("experiment has no evaluators configured")
	ErrNotRunning     = errors.New("experiment is not running")
)
