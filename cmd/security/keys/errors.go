package keys

import "errors"

var (
	ErrUnknownFamily = errors.New("unknown key family")
	ErrKeyReused     = errors.New("key shared between families")
)
