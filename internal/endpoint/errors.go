package endpoint

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrResolve   = errors.New("resolve")
	ErrConnect   = errors.New("connect")
	ErrWrite     = errors.New("write")
	ErrReconnect = errors.New("reconnect")
	ErrClosed    = errors.New("endpoint closed")

	errNotConnected = errors.New("not connected")
)
