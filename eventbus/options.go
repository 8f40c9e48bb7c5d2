package eventbus

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

type options struct {
	cleanupInterval time.Duration
	handlerTimeout  time.Duration
	queueSize       int
	meter           metric.Meter
}

type Option func(*options)

func defaultOptions() options {
	return options{
		cleanupInterval: 30 * time.Second,
		handlerTimeout:  10 * time.Second,
		queueSize:       1024,
		meter:           metricnoop.NewMeterProvider().Meter("eventbus"),
	}
}

// WithCleanupInterval sets how often stale broker subscriptions are retried.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithHandlerTimeout bounds the context each handler invocation receives.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithQueueSize sets how many undelivered messages each channel or pattern
// buffers before new ones are dropped.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}
