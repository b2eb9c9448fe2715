package repository

import "errors"

// ErrNotFound is returned when an entity disappeared between enqueue and
// run. Tasks treat it as non-retryable.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned when a non-blocking advisory lock is already held.
// Tasks reschedule with a short delay.
var ErrLocked = errors.New("locked")
