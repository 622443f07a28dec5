package session

import "errors"

var (
	// ErrInvalidContext is returned when a context fails validation
	ErrInvalidContext = errors.New("invalid security context")

	// ErrInvalidToken is returned when a JWT cannot be parsed or verified
	ErrInvalidToken = errors.New("invalid token")
)
