package broker

import "time"

type Config struct {
	Addr                 string
	Password             string
	DB                   int
	CommandTimeout       time.Duration
	DialTimeout          time.Duration
	InitialRetryDelay    time.Duration
	MaxRetryDelay        time.Duration
	MaxReconnectAttempts int
	HealthCheckInterval  time.Duration
	OfflineQueue         bool
	OfflineQueueDepth    int
	ShutdownTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:                 "localhost:6379",
		CommandTimeout:       5 * time.Second,
		DialTimeout:          5 * time.Second,
		InitialRetryDelay:    100 * time.Millisecond,
		MaxRetryDelay:        30 * time.Second,
		MaxReconnectAttempts: 20,
		HealthCheckInterval:  10 * time.Second,
		OfflineQueue:         true,
		OfflineQueueDepth:    1000,
		ShutdownTimeout:      5 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = d.InitialRetryDelay
	}
	if c.MaxRetryDelay < c.InitialRetryDelay {
		c.MaxRetryDelay = c.InitialRetryDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.OfflineQueueDepth <= 0 {
		c.OfflineQueueDepth = d.OfflineQueueDepth
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Hooks observe connection lifecycle transitions. Callbacks run synchronously
// on the goroutine that changed the state and must not block.
type Hooks struct {
	OnStateChange func(role Role, from, to State, cause error)
}

type Option func(*Manager)

func WithHooks(h Hooks) Option {
	return func(m *Manager) {
		m.hooks = h
	}
}
