package gateway

import (
	"time"

	"github.com/alihesham01/chronizer/events"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Config struct {
	HeartbeatInterval time.Duration
	// ClientTimeout closes a connection with no inbound frame, pong included,
	// for longer than this.
	ClientTimeout    time.Duration
	SweepInterval    time.Duration
	MaxClients       int
	MaxSubscriptions int
	CloseGrace       time.Duration
	SendBuffer       int
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	// Channels are the bus channels relayed to clients.
	Channels []string
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ClientTimeout:     60 * time.Second,
		SweepInterval:     60 * time.Second,
		MaxClients:        10000,
		MaxSubscriptions:  50,
		CloseGrace:        5 * time.Second,
		SendBuffer:        256,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 << 10,
		Channels:          events.WellKnownChannels(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = d.ClientTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = d.MaxSubscriptions
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.Channels == nil {
		c.Channels = d.Channels
	}
	return c
}

type options struct {
	meter metric.Meter
}

type Option func(*options)

func defaultOptions() options {
	return options{meter: noop.NewMeterProvider().Meter("gateway")}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}
