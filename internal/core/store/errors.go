package store

import "errors"

var (
	ErrNotFound      = errors.New("object not found")
	ErrRejected      = errors.New("update rejected by store")
	ErrUpstream      = errors.New("upstream store call failed")
	ErrUnsupported   = errors.New("operation not supported by store")
	ErrStreamClosed  = errors.New("change stream closed")
	ErrInvalidChange = errors.New("invalid change notification")
)
