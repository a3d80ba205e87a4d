package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrFunctionNotFound is returned when a named global is missing or
	// not callable.
	ErrFunctionNotFound = errors.New("lua function not found")
)
