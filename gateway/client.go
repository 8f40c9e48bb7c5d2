package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type connState int32

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one live connection. Only the write loop writes data frames;
// control frames go through WriteControl, which gorilla allows concurrently.
type Client struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	gw   *Gateway
	conn *websocket.Conn
	lg   *zap.Logger
	send chan []byte

	mu   sync.Mutex
	subs map[string]struct{}

	lastSeen  atomic.Int64
	alive     atomic.Bool
	missed    atomic.Int32
	state     atomic.Int32
	// closingAt is when the client left stateOpen, in unix nanoseconds.
	closingAt atomic.Int64

	done       chan struct{}
	finishOnce sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, id string) *Client {
	c := &Client{
		id:          id,
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		gw:          gw,
		conn:        conn,
		lg:          gw.lg.With(zap.String("client_id", id)),
		send:        make(chan []byte, gw.cfg.SendBuffer),
		subs:        map[string]struct{}{},
		done:        make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() connState { return connState(c.state.Load()) }

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.alive.Store(true)
	c.missed.Store(0)
}

func (c *Client) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *Client) sortedSubs() []string {
	subs := lo.Keys(c.subs)
	slices.Sort(subs)
	return subs
}

func (c *Client) wants(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[Wildcard]; ok {
		return true
	}
	_, ok := c.subs[channel]
	return ok
}

// subscribe adds channels up to the per-client cap and returns the resulting
// set together with the number of channels dropped by the cap.
func (c *Client) subscribe(channels []string) ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for _, ch := range lo.Uniq(channels) {
		if ch == "" {
			continue
		}
		if _, ok := c.subs[ch]; ok {
			continue
		}
		if len(c.subs) >= c.gw.cfg.MaxSubscriptions {
			dropped++
			continue
		}
		c.subs[ch] = struct{}{}
	}
	return c.sortedSubs(), dropped
}

func (c *Client) unsubscribe(channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	return c.sortedSubs()
}

// enqueue queues a frame for the write loop. A client that cannot keep up
// is disconnected.
func (c *Client) enqueue(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.lg.Error("failed to encode frame", zap.Error(err))
		return false
	}
	return c.enqueueRaw(data)
}

func (c *Client) enqueueRaw(data []byte) bool {
	if c.State() != stateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.lg.Warn("send buffer full, disconnecting client", zap.Int("buffer", cap(c.send)))
		c.closeWith(websocket.ClosePolicyViolation, "send buffer overflow")
		return false
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.lg.Debug("write failed", zap.Error(err))
				c.terminate("write failed")
				return
			}
			c.gw.sent.Add(c.gw.ctx, 1)
		}
	}
}

// readLoop runs on the HTTP handler goroutine until the connection ends.
func (c *Client) readLoop() {
	defer c.finish()

	c.conn.SetReadLimit(c.gw.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				c.State() == stateOpen {
				c.lg.Debug("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.touch()
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.lg.Error("client frame handler panicked",
				zap.Any("recover", r),
				zap.ByteString("stack", debug.Stack()),
			)
			c.enqueue(ErrorFrame{Type: TypeError, Message: "internal error"})
		}
	}()

	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.enqueue(ErrorFrame{Type: TypeError, Message: "invalid message format"})
		return
	}

	switch f.Type {
	case TypeSubscribe:
		subs, dropped := c.subscribe(f.Channels)
		if dropped > 0 {
			c.lg.Warn("subscription limit reached, channels dropped",
				zap.Int("dropped", dropped),
				zap.Int("limit", c.gw.cfg.MaxSubscriptions),
			)
		}
		c.enqueue(ChannelsFrame{Type: TypeSubscribed, Channels: subs})
	case TypeUnsubscribe:
		c.enqueue(ChannelsFrame{Type: TypeUnsubscribed, Channels: c.unsubscribe(f.Channels)})
	case TypePing:
		c.enqueue(PongFrame{Type: TypePong, Timestamp: time.Now().UnixMilli()})
	default:
		c.enqueue(ErrorFrame{Type: TypeError, Message: fmt.Sprintf("unknown message type: %q", f.Type)})
	}
}

func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gw.cfg.WriteTimeout))
}

// closeWith starts the closing handshake. The read loop finishes the client
// when the peer answers or the connection drops.
func (c *Client) closeWith(code int, reason string) {
	if !c.markClosing() {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gw.cfg.WriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.conn.Close()
		return
	}
	time.AfterFunc(c.gw.cfg.CloseGrace, func() { c.conn.Close() })
}

// terminate drops the connection without a closing handshake.
func (c *Client) terminate(reason string) {
	c.markClosing()
	c.lg.Info("terminating client", zap.String("reason", reason))
	c.conn.Close()
}

func (c *Client) markClosing() bool {
	if !c.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return false
	}
	c.closingAt.Store(time.Now().UnixNano())
	return true
}

// closingFor reports how long the client has been closing, or zero while it
// is still open.
func (c *Client) closingFor(now time.Time) time.Duration {
	at := c.closingAt.Load()
	if at == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, at))
}

func (c *Client) finish() {
	c.finishOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.done)
		c.conn.Close()
		c.gw.remove(c)
	})
}
