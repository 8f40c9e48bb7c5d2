package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns the process-wide command, subscribe and publish connections.
// Pub/sub needs connections of its own, so all three are opened eagerly.
type Manager struct {
	lg    *zap.Logger
	cfg   Config
	hooks Hooks

	command   *Conn
	subscribe *Conn
	publish   *Conn

	mu           sync.RWMutex
	shuttingDown bool
	inflight     sync.WaitGroup
	wg           sync.WaitGroup
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the three role connections. An unreachable broker does not fail
// construction; the affected connections start reconnecting instead.
func New(lg *zap.Logger, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Addr == "" {
		return nil, ErrNoAddr
	}
	m := &Manager{
		lg:   lg,
		cfg:  cfg.normalized(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.command = newConn(m, RoleCommand, m.newClient(RoleCommand))
	m.subscribe = newConn(m, RoleSubscribe, m.newClient(RoleSubscribe))
	m.publish = newConn(m, RolePublish, m.newClient(RolePublish))

	for _, c := range m.conns() {
		m.connect(c)
	}

	m.goBackground(m.healthLoop)
	return m, nil
}

func (m *Manager) newClient(role Role) *redis.Client {
	opts := &redis.Options{
		Addr:         m.cfg.Addr,
		Password:     m.cfg.Password,
		DB:           m.cfg.DB,
		ClientName:   "chronizer-" + string(role),
		DialTimeout:  m.cfg.DialTimeout,
		ReadTimeout:  m.cfg.CommandTimeout,
		WriteTimeout: m.cfg.CommandTimeout,
		// reconnects are driven by the manager, not per-command retries
		MaxRetries: -1,
	}
	if role == RoleSubscribe {
		opts.PoolSize = 2
	}
	return redis.NewClient(opts)
}

func (m *Manager) connect(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		m.lg.Warn("broker initial connect failed", zap.String("role", string(c.role)), zap.String("addr", m.cfg.Addr), zap.Error(err))
		m.reconnect(c, err)
		return
	}
	c.setState(StateReady, nil)
	m.lg.Info("connected to broker", zap.String("role", string(c.role)), zap.String("addr", m.cfg.Addr), zap.Int("db", m.cfg.DB))
}

func (m *Manager) Command() *Conn { return m.command }

func (m *Manager) Subscribe() *Conn { return m.subscribe }

func (m *Manager) Publish() *Conn { return m.publish }

// IsConnected reports command connection readiness.
func (m *Manager) IsConnected() bool { return m.command.Ready() }

func (m *Manager) conns() []*Conn {
	return []*Conn{m.command, m.subscribe, m.publish}
}

func (m *Manager) isShuttingDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shuttingDown
}

// track registers an in-flight command; it fails once shutdown has begun.
func (m *Manager) track() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shuttingDown {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Manager) goBackground(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shuttingDown {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) reconnect(c *Conn, cause error) {
	if m.isShuttingDown() || !c.beginReconnect() {
		return
	}
	c.setState(StateReconnecting, cause)
	m.goBackground(func() { m.reconnectLoop(c) })
}

func (m *Manager) reconnectLoop(c *Conn) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialRetryDelay
	bo.MaxInterval = m.cfg.MaxRetryDelay
	bo.Reset()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		c.attempts.Store(int32(attempt))
		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-m.done:
			timer.Stop()
			c.endReconnect(StateClosed, ErrClosed)
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
		err := c.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			m.lg.Info("broker connection restored", zap.String("role", string(c.role)), zap.Int("attempt", attempt))
			c.endReconnect(StateReady, nil)
			return
		}
		m.lg.Warn("broker reconnect attempt failed",
			zap.String("role", string(c.role)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	m.lg.Error("broker reconnect attempts exhausted", zap.String("role", string(c.role)), zap.Int("attempts", m.cfg.MaxReconnectAttempts))
	c.endReconnect(StateClosed, ErrReconnectExhausted)
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth pings every ready connection. Failures are only logged; the
// reconnect policy takes over for transient ones.
func (m *Manager) checkHealth() {
	for _, c := range m.conns() {
		if !c.Ready() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
		err := c.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			continue
		}
		m.lg.Warn("broker health check failed", zap.String("role", string(c.role)), zap.Error(err))
		if IsTransient(err) {
			m.reconnect(c, err)
		}
	}
}

// Shutdown stops reconnects and health checks, lets in-flight commands finish
// and closes all connections. If that does not complete within the configured
// timeout or ctx, connections are closed forcefully.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	close(m.done)

	for _, c := range m.conns() {
		if !c.Ready() {
			c.setState(StateClosed, ErrClosed)
		}
	}

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		m.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		m.lg.Warn("broker graceful shutdown timed out, closing connections", zap.Duration("timeout", m.cfg.ShutdownTimeout))
	case <-ctx.Done():
		m.lg.Warn("broker shutdown cancelled, closing connections", zap.Error(ctx.Err()))
	}

	var errs error
	for _, c := range m.conns() {
		c.setState(StateClosed, nil)
		if err := c.client.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	m.lg.Info("closed broker connections", zap.String("addr", m.cfg.Addr))
	return errs
}
