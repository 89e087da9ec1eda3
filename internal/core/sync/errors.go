package sync

import "errors"

var (
	ErrQueueClosed   = errors.New("event queue closed")
	ErrMonitorActive = errors.New("change stream monitor already running")
)
