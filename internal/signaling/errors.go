package signaling

import "errors"

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrServerClosed       = errors.New("signaling server closed")
)
