package lua

import "errors"

// Errors for runtime operations.
var (
	// ErrStateClosed is returned when operating on a closed runtime.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrForeignCode is returned when Exec is given code this runtime did not
	// compile.
	ErrForeignCode = errors.New("code was not compiled by this runtime")

	// ErrNoEventLoop is raised by the host module when no loop is attached.
	ErrNoEventLoop = errors.New("no host event loop")
)
