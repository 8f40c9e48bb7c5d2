package eventbus

import "errors"

var (
	ErrClosed       = errors.New("eventbus: closed")
	ErrEmptyChannel = errors.New("eventbus: channel or pattern required")
	ErrNilHandler   = errors.New("eventbus: handler required")
)
