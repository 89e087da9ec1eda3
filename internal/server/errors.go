package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrMaxClientsReached    = errors.New("maximum clients reached")
	ErrInvalidConfig        = errors.New("invalid server configuration")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrProtocolVersion      = errors.New("unsupported protocol version")
	ErrConnectionClosed     = errors.New("connection is closed")
	ErrOutboundFull         = errors.New("outbound buffer is full")
)
