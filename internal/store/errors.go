package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken or a
	// conditional update kept losing to concurrent writers.
	ErrConflict = errors.New("conflict")
)
