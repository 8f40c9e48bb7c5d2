package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Role string

const (
	RoleCommand   Role = "command"
	RoleSubscribe Role = "subscribe"
	RolePublish   Role = "publish"
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is one of the manager's three role connections. It is safe for
// concurrent use.
type Conn struct {
	role   Role
	client *redis.Client
	mgr    *Manager

	state    atomic.Int32
	attempts atomic.Int32

	mu           sync.Mutex
	readyCh      chan struct{} // closed while the connection is ready
	closedCh     chan struct{} // closed once the connection reaches StateClosed
	reconnecting bool

	offline chan struct{}
}

func newConn(m *Manager, role Role, client *redis.Client) *Conn {
	c := &Conn{
		role:     role,
		client:   client,
		mgr:      m,
		readyCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
		offline:  make(chan struct{}, m.cfg.OfflineQueueDepth),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) Role() Role { return c.role }

// Client exposes the underlying client for APIs Do cannot wrap, such as
// long-lived pub/sub handles.
func (c *Conn) Client() *redis.Client { return c.client }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Ready() bool { return c.State() == StateReady }

// ReconnectAttempts is the number of reconnect attempts made in the current
// outage, zero while ready.
func (c *Conn) ReconnectAttempts() int { return int(c.attempts.Load()) }

// Do runs fn against the connection within the command timeout. While the
// connection is not ready the call either waits in the offline queue or fails
// fast with ErrNotConnected, depending on configuration. Transient failures
// returned by fn schedule a reconnect and are returned to the caller.
func (c *Conn) Do(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	if !c.mgr.track() {
		return ErrClosed
	}
	defer c.mgr.inflight.Done()

	caller := ctx
	ctx, cancel := context.WithTimeout(ctx, c.mgr.cfg.CommandTimeout)
	defer cancel()

	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	err := fn(ctx, c.client)
	// Failures after the caller's own deadline or cancel never reconnect.
	if err != nil && caller.Err() == nil && IsTransient(err) {
		c.mgr.reconnect(c, err)
	}
	return err
}

func (c *Conn) awaitReady(ctx context.Context) error {
	switch c.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}
	if !c.mgr.cfg.OfflineQueue {
		return ErrNotConnected
	}
	select {
	case c.offline <- struct{}{}:
	default:
		return ErrOfflineQueueFull
	}
	defer func() { <-c.offline }()

	select {
	case <-c.waitReady():
		return nil
	case <-c.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
}

func (c *Conn) waitReady() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCh
}

func (c *Conn) setState(to State, cause error) {
	c.mu.Lock()
	from := State(c.state.Load())
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(to))
	switch {
	case to == StateReady:
		close(c.readyCh)
	case from == StateReady:
		c.readyCh = make(chan struct{})
	}
	if to == StateClosed {
		close(c.closedCh)
	}
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("role", string(c.role)),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	c.mgr.lg.Info("broker connection state changed", fields...)
	if c.mgr.hooks.OnStateChange != nil {
		c.mgr.hooks.OnStateChange(c.role, from, to, cause)
	}
}

// beginReconnect claims the reconnect loop for this connection.
func (c *Conn) beginReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnecting || State(c.state.Load()) == StateClosed {
		return false
	}
	c.reconnecting = true
	return true
}

func (c *Conn) endReconnect(to State, cause error) {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
	c.attempts.Store(0)
	c.setState(to, cause)
}
