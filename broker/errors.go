package broker

import "errors"

var (
	ErrNotConnected       = errors.New("broker: connection not ready")
	ErrOfflineQueueFull   = errors.New("broker: offline command queue full")
	ErrClosed             = errors.New("broker: connection closed")
	ErrReconnectExhausted = errors.New("broker: reconnect attempts exhausted")
	ErrNoAddr             = errors.New("broker: address is required")
)
