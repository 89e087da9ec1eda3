package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol     = errors.New("protocol error")
	ErrUnknownType  = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrMalformed    = fmt.Errorf("%w: malformed message", ErrProtocol)
	ErrSchema       = fmt.Errorf("%w: schema violation", ErrProtocol)
	ErrTooLarge     = fmt.Errorf("%w: message too large", ErrProtocol)
	ErrInvalidValue = fmt.Errorf("%w: invalid value", ErrProtocol)
)
