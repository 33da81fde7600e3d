package peered

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("peered session not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)
