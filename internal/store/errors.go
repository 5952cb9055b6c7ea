package store

import "errors"

// Sentinel error kinds surfaced to the host API, per spec.md §7.
var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrInvalidValue = errors.New("invalid value")
	ErrStorage      = errors.New("storage error")
)
