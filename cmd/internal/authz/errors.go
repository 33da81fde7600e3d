package authz

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("action token not found")

	ErrUnknownActionType   = errors.New("unknown action type")
	ErrMissingContextField = errors.New("missing context field")
	ErrInvalidContext      = errors.New("invalid context")
)

// IssueError is returned when issuance is refused for a request-shape reason.
type IssueError struct {
	Code  Code
	Field string
}

func (e *IssueError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("issue refused: %s", e.Code)
	}
	return fmt.Sprintf("issue refused: %s (%s)", e.Code, e.Field)
}

func (e *IssueError) Unwrap() error {
	switch e.Code {
	case CodeUnknownActionType:
		return ErrUnknownActionType
	case CodeMissingContextField:
		return ErrMissingContextField
	case CodeInvalidContext:
		return ErrInvalidContext
	default:
		return nil
	}
}
