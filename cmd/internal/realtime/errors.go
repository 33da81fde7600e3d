package realtime

import "errors"

var (
	ErrInvalidEvent    = errors.New("realtime: invalid event")
	ErrUnauthorized    = errors.New("realtime: unauthorized")
	ErrNoAuthenticator = errors.New("realtime: authenticator required")
)
