package gateway

import "errors"

var (
	ErrStarted      = errors.New("gateway: already started")
	ErrShuttingDown = errors.New("gateway: shutting down")
)
