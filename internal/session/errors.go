package session

import "errors"

var (
	// ErrClosed is returned for requests made after Run has returned.
	ErrClosed        = errors.New("session closed")
	ErrUnknownAction = errors.New("unknown session action")
)
