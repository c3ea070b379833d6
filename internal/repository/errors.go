package repository

import "errors"

// ErrNotFound indicates a missing record.
var ErrNotFound = errors.New("record not found")

// ErrTerminal indicates an attempted mutation of a completed or failed
// deployment record.
var ErrTerminal = errors.New("deployment record is terminal")
