package authz

import (
	"strings"
	"time"
)

// Code is a stable, caller-visible outcome code.
type Code string

const (
	CodeUnknownActionType   Code = "UNKNOWN_ACTION_TYPE"
	CodeMissingContextField Code = "MISSING_CONTEXT_FIELD"
	CodeInvalidContext      Code = "INVALID_CONTEXT"

	CodeTokenRequired          Code = "TOKEN_REQUIRED"
	CodeTokenInvalidOrConsumed Code = "TOKEN_INVALID_OR_CONSUMED"
	CodeTokenSignatureInvalid  Code = "TOKEN_SIGNATURE_INVALID"
	CodeTokenMinTimeNotPassed  Code = "TOKEN_MIN_TIME_NOT_PASSED"
	// CodeTokenExpired is only reported by read-only status checks; Consume
	// folds expiry into CodeTokenInvalidOrConsumed.
	CodeTokenExpired Code = "TOKEN_EXPIRED"

	CodeSessionRequired           Code = "SESSION_REQUIRED"
	CodeSessionInvalidOrCompleted Code = "SESSION_INVALID_OR_COMPLETED"
	CodeSessionSignatureInvalid   Code = "SESSION_SIGNATURE_INVALID"
	CodeSessionMinTimeNotPassed   Code = "SESSION_MIN_TIME_NOT_PASSED"
	CodeSessionNotFound           Code = "SESSION_NOT_FOUND"
	CodeSessionAlreadyCompleted   Code = "SESSION_ALREADY_COMPLETED"
	CodeSessionExpired            Code = "SESSION_EXPIRED"

	CodeProviderRequired         Code = "PROVIDER_REQUIRED"
	CodeProviderAlreadyCompleted Code = "PROVIDER_ALREADY_COMPLETED"
	CodeProviderNotInGroup       Code = "PROVIDER_NOT_IN_GROUP"
	CodeMinTimeNotPassed         Code = "MIN_TIME_NOT_PASSED"
)

// IsMinTime reports whether c is a minimum-time rejection (retry later).
func (c Code) IsMinTime() bool {
	return strings.HasSuffix(string(c), "MIN_TIME_NOT_PASSED")
}

// IsRequestShape reports whether c describes a malformed request rather than
// a refused authorization.
func (c Code) IsRequestShape() bool {
	switch c {
	case CodeUnknownActionType, CodeMissingContextField, CodeInvalidContext,
		CodeTokenRequired, CodeSessionRequired, CodeProviderRequired:
		return true
	default:
		return false
	}
}

// RemainingSeconds rounds d up to whole seconds, never below 1 for d > 0.
func RemainingSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
