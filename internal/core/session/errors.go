package session

import "errors"

var (
	// ErrTransport marks a failed delivery to one session. It never affects
	// other sessions.
	ErrTransport       = errors.New("session transport failure")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRegion   = errors.New("invalid subscription region")
)
