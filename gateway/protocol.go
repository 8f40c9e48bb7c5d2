package gateway

import (
	"encoding/json"
	"time"
)

// Wildcard subscribes a client to every relayed channel.
const Wildcard = "*"

const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeMessage      = "message"
	TypePong         = "pong"
	TypeError        = "error"
)

// ClientFrame is a frame sent by a client.
type ClientFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

type ConnectedFrame struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelsFrame acknowledges subscribe and unsubscribe with the client's
// resulting subscription set.
type ChannelsFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

type MessageFrame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
