// Package gateway relays event bus messages to WebSocket clients. Each
// client picks the channels it wants; "*" receives everything.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alihesham01/chronizer/eventbus"
	"github.com/alihesham01/chronizer/util"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Subscriber is satisfied by *eventbus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, h eventbus.Handler) (eventbus.HandlerID, error)
	Unsubscribe(ctx context.Context, channel string, ids ...eventbus.HandlerID) error
}

type Gateway struct {
	lg       *zap.Logger
	cfg      Config
	bus      Subscriber
	upgrader websocket.Upgrader
	allowed  func(origin string) bool
	ctx      context.Context

	mu      sync.RWMutex
	clients map[string]*Client

	started      atomic.Bool
	shuttingDown atomic.Bool
	handlers     map[string]eventbus.HandlerID
	stop         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error

	connected metric.Int64UpDownCounter
	sent      metric.Int64Counter
	rejected  metric.Int64Counter
}

func New(lg *zap.Logger, bus Subscriber, cfg Config, opts ...Option) (*Gateway, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	gw := &Gateway{
		lg:       lg,
		cfg:      cfg.normalized(),
		bus:      bus,
		ctx:      context.Background(),
		clients:  map[string]*Client{},
		handlers: map[string]eventbus.HandlerID{},
		stop:     make(chan struct{}),
	}
	if len(gw.cfg.AllowedOrigins) > 0 {
		gw.allowed = util.MakeAllowedOriginValidator(gw.cfg.AllowedOrigins)
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     gw.checkOrigin,
	}

	var err error
	if gw.connected, err = o.meter.Int64UpDownCounter("gateway.clients"); err != nil {
		return nil, fmt.Errorf("create clients counter: %w", err)
	}
	if gw.sent, err = o.meter.Int64Counter("gateway.messages.sent"); err != nil {
		return nil, fmt.Errorf("create sent counter: %w", err)
	}
	if gw.rejected, err = o.meter.Int64Counter("gateway.connections.rejected"); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	return gw, nil
}

// Start subscribes to the relayed channels and starts the heartbeat and
// sweep loops.
func (gw *Gateway) Start(ctx context.Context) error {
	if !gw.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if gw.bus != nil {
		for _, ch := range gw.cfg.Channels {
			id, err := gw.bus.Subscribe(ctx, ch, gw.relay)
			if err != nil {
				return fmt.Errorf("subscribe gateway to %s: %w", ch, err)
			}
			gw.handlers[ch] = id
		}
	}

	gw.wg.Add(2)
	go gw.heartbeatLoop()
	go gw.sweepLoop()
	gw.lg.Info("realtime gateway started",
		zap.Int("channels", len(gw.handlers)),
		zap.Int("max_clients", gw.cfg.MaxClients),
	)
	return nil
}

func (gw *Gateway) relay(_ context.Context, msg *eventbus.Message) error {
	gw.Broadcast(msg.Channel, msg.Data)
	return nil
}

func (gw *Gateway) checkOrigin(r *http.Request) bool {
	if gw.allowed == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || gw.allowed(origin)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.lg.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	if gw.shuttingDown.Load() {
		gw.reject(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	c := newClient(gw, conn, id.String())
	if !gw.register(c) {
		gw.rejected.Add(gw.ctx, 1)
		gw.lg.Warn("client rejected, capacity exceeded",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("max_clients", gw.cfg.MaxClients),
		)
		gw.reject(conn, websocket.CloseTryAgainLater, "capacity exceeded")
		return
	}

	c.lg.Info("client connected", zap.String("remote_addr", c.remoteAddr))
	c.enqueue(ConnectedFrame{Type: TypeConnected, ClientID: c.id, Timestamp: c.connectedAt.UTC()})
	go c.writeLoop()
	c.readLoop()
}

func (gw *Gateway) reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(gw.cfg.WriteTimeout))
	conn.Close()
}

func (gw *Gateway) register(c *Client) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.clients) >= gw.cfg.MaxClients {
		return false
	}
	gw.clients[c.id] = c
	gw.connected.Add(gw.ctx, 1)
	return true
}

func (gw *Gateway) remove(c *Client) {
	gw.mu.Lock()
	_, ok := gw.clients[c.id]
	delete(gw.clients, c.id)
	n := len(gw.clients)
	gw.mu.Unlock()
	if ok {
		gw.connected.Add(gw.ctx, -1)
		c.lg.Info("client disconnected",
			zap.Duration("connected_for", time.Since(c.connectedAt)),
			zap.Int("clients", n),
		)
	}
}

func (gw *Gateway) snapshot() []*Client {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return lo.Values(gw.clients)
}

func (gw *Gateway) GetClientCount() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.clients)
}

// Broadcast sends data on channel to every client subscribed to it or to
// the wildcard and returns how many clients it was queued for.
func (gw *Gateway) Broadcast(channel string, data any) int {
	raw, err := toRaw(data)
	if err != nil {
		gw.lg.Error("failed to encode broadcast payload", zap.String("channel", channel), zap.Error(err))
		return 0
	}
	frame, err := json.Marshal(MessageFrame{
		Type:      TypeMessage,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		gw.lg.Error("failed to encode broadcast frame", zap.String("channel", channel), zap.Error(err))
		return 0
	}

	n := 0
	for _, c := range gw.snapshot() {
		if c.wants(channel) && c.enqueueRaw(frame) {
			n++
		}
	}
	return n
}

func toRaw(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return v, nil
		}
		return json.Marshal(string(v))
	default:
		return json.Marshal(v)
	}
}

func (gw *Gateway) heartbeatLoop() {
	defer gw.wg.Done()
	ticker := time.NewTicker(gw.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gw.stop:
			return
		case <-ticker.C:
			gw.heartbeat(time.Now())
		}
	}
}

// heartbeat pings every open client. A client that misses two pings in a
// row, or has been silent for ClientTimeout, is terminated.
func (gw *Gateway) heartbeat(now time.Time) {
	for _, c := range gw.snapshot() {
		if c.State() != stateOpen {
			continue
		}
		if !c.alive.Swap(false) {
			if c.missed.Add(1) >= 2 {
				c.terminate("missed heartbeats")
				continue
			}
		}
		if idle := c.idle(now); idle > gw.cfg.ClientTimeout {
			c.lg.Info("client idle too long", zap.Duration("idle", idle))
			c.terminate("idle timeout")
			continue
		}
		if err := c.ping(); err != nil {
			c.lg.Debug("ping failed", zap.Error(err))
			c.terminate("ping failed")
		}
	}
}

func (gw *Gateway) sweepLoop() {
	defer gw.wg.Done()
	ticker := time.NewTicker(gw.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gw.stop:
			return
		case <-ticker.C:
			gw.sweep()
		}
	}
}

// sweep removes clients whose close handler never ran: closed ones, and
// closing ones whose handshake has outlived CloseGrace.
func (gw *Gateway) sweep() int {
	removed := 0
	now := time.Now()
	for _, c := range gw.snapshot() {
		switch c.State() {
		case stateOpen:
			continue
		case stateClosing:
			if c.closingFor(now) < gw.cfg.CloseGrace {
				continue
			}
		}
		c.finish()
		removed++
	}
	if removed > 0 {
		gw.lg.Info("swept dead clients", zap.Int("removed", removed))
	}
	return removed
}

// Shutdown stops accepting clients, asks every client to close with 1001
// and force-closes whatever remains after CloseGrace.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.shutdownOnce.Do(func() {
		gw.shuttingDown.Store(true)
		if gw.started.Load() {
			close(gw.stop)
			gw.wg.Wait()
		}

		var errs error
		for ch, id := range gw.handlers {
			if err := gw.bus.Unsubscribe(ctx, ch, id); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("unsubscribe %s: %w", ch, err))
			}
		}

		clients := gw.snapshot()
		for _, c := range clients {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}

		graceCtx, cancel := context.WithTimeout(ctx, gw.cfg.CloseGrace)
		defer cancel()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for gw.GetClientCount() > 0 {
			select {
			case <-graceCtx.Done():
				break wait
			case <-ticker.C:
			}
		}

		if left := gw.snapshot(); len(left) > 0 {
			gw.lg.Warn("force closing clients after grace period", zap.Int("clients", len(left)))
			for _, c := range left {
				c.conn.Close()
				c.finish()
			}
		}
		gw.shutdownErr = errs
		gw.lg.Info("realtime gateway stopped", zap.Int("clients_closed", len(clients)))
	})
	return gw.shutdownErr
}
