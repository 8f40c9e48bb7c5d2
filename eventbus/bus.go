package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alihesham01/chronizer/broker"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// pubSub is the subset of *redis.PubSub the bus drives.
type pubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// publisher is satisfied by *broker.Conn.
type publisher interface {
	Ready() bool
	Do(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error
}

type kind int

const (
	kindChannel kind = iota
	kindPattern
)

func (k kind) String() string {
	if k == kindPattern {
		return "pattern"
	}
	return "channel"
}

type entry struct {
	handlers   map[HandlerID]Handler
	subscribed bool
	// stale marks an entry whose handlers are gone but whose broker
	// unsubscribe failed; the cleanup loop retries it.
	stale bool
	// queue feeds the entry's delivery goroutine. It is nil once closed.
	queue chan *redis.Message
}

func (e *entry) closeQueue() {
	if e.queue != nil {
		close(e.queue)
		e.queue = nil
	}
}

// Bus multiplexes local handlers onto one shared broker subscription.
type Bus struct {
	lg   *zap.Logger
	opts options
	ps   pubSub
	pub  publisher

	// mu serializes the handler table together with the broker
	// (un)subscribe calls it implies.
	mu       sync.Mutex
	tables   [2]map[string]*entry
	nextID   HandlerID
	closed   bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	cleanWG  sync.WaitGroup
	laneWG   sync.WaitGroup
	closeErr error
	once     sync.Once

	published metric.Int64Counter
	delivered metric.Int64Counter
	failures  metric.Int64Counter
	dropped   metric.Int64Counter
}

// New builds a bus on the manager's subscribe and publish connections.
func New(lg *zap.Logger, mgr *broker.Manager, opts ...Option) (*Bus, error) {
	ps := mgr.Subscribe().Client().Subscribe(context.Background())
	return newBus(lg, ps, mgr.Publish(), opts...)
}

func newBus(lg *zap.Logger, ps pubSub, pub publisher, opts ...Option) (*Bus, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bus{
		lg:     lg,
		opts:   o,
		ps:     ps,
		pub:    pub,
		tables: [2]map[string]*entry{{}, {}},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	var err error
	if b.published, err = o.meter.Int64Counter("eventbus.messages.published"); err != nil {
		return nil, fmt.Errorf("create published counter: %w", err)
	}
	if b.delivered, err = o.meter.Int64Counter("eventbus.messages.delivered"); err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}
	if b.failures, err = o.meter.Int64Counter("eventbus.handler.errors"); err != nil {
		return nil, fmt.Errorf("create handler error counter: %w", err)
	}
	if b.dropped, err = o.meter.Int64Counter("eventbus.messages.dropped"); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	go b.receive(ps.Channel())
	b.cleanWG.Add(1)
	go b.cleanupLoop()
	return b, nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) (HandlerID, error) {
	return b.add(ctx, kindChannel, channel, h)
}

func (b *Bus) PSubscribe(ctx context.Context, pattern string, h Handler) (HandlerID, error) {
	return b.add(ctx, kindPattern, pattern, h)
}

// Unsubscribe removes the given handlers from channel, or all of them when
// no ids are passed. The broker subscription is dropped with the last one.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, ids ...HandlerID) error {
	return b.remove(ctx, kindChannel, channel, ids)
}

func (b *Bus) PUnsubscribe(ctx context.Context, pattern string, ids ...HandlerID) error {
	return b.remove(ctx, kindPattern, pattern, ids)
}

func (b *Bus) add(ctx context.Context, k kind, name string, h Handler) (HandlerID, error) {
	if name == "" {
		return 0, ErrEmptyChannel
	}
	if h == nil {
		return 0, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	e, ok := b.tables[k][name]
	if !ok {
		e = &entry{handlers: map[HandlerID]Handler{}}
	}
	if !e.subscribed {
		if err := b.brokerSubscribe(ctx, k, name); err != nil {
			return 0, fmt.Errorf("subscribe %s %s: %w", k, name, err)
		}
		e.subscribed = true
		b.lg.Debug("broker subscription added", zap.String(k.String(), name))
	}
	e.stale = false
	if !ok {
		e.queue = make(chan *redis.Message, b.opts.queueSize)
		b.laneWG.Add(1)
		go b.deliver(e, e.queue)
		b.tables[k][name] = e
	}

	b.nextID++
	e.handlers[b.nextID] = h
	return b.nextID, nil
}

func (b *Bus) remove(ctx context.Context, k kind, name string, ids []HandlerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.tables[k][name]
	if !ok {
		return nil
	}
	if len(ids) == 0 {
		clear(e.handlers)
	}
	for _, id := range ids {
		delete(e.handlers, id)
	}
	if len(e.handlers) > 0 {
		return nil
	}

	if e.subscribed {
		if err := b.brokerUnsubscribe(ctx, k, name); err != nil {
			e.stale = true
			b.lg.Warn("broker unsubscribe failed, will retry", zap.String(k.String(), name), zap.Error(err))
			return nil
		}
		b.lg.Debug("broker subscription dropped", zap.String(k.String(), name))
	}
	e.closeQueue()
	delete(b.tables[k], name)
	return nil
}

func (b *Bus) brokerSubscribe(ctx context.Context, k kind, name string) error {
	if k == kindPattern {
		return b.ps.PSubscribe(ctx, name)
	}
	return b.ps.Subscribe(ctx, name)
}

func (b *Bus) brokerUnsubscribe(ctx context.Context, k kind, name string) error {
	if k == kindPattern {
		return b.ps.PUnsubscribe(ctx, name)
	}
	return b.ps.Unsubscribe(ctx, name)
}

// Publish sends data on channel and returns the number of broker
// subscribers that received it. Local handlers receive it through the broker
// like any other subscriber. When the publish connection is down the message
// is dropped with a warning and (0, nil) is returned.
func (b *Bus) Publish(ctx context.Context, channel string, data any) (int64, error) {
	if channel == "" {
		return 0, ErrEmptyChannel
	}
	if !b.pub.Ready() {
		b.lg.Warn("broker not connected, dropping event", zap.String("channel", channel))
		return 0, nil
	}
	body, err := encode(data)
	if err != nil {
		return 0, fmt.Errorf("encode event for %s: %w", channel, err)
	}

	var n int64
	err = b.pub.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		n, err = client.Publish(ctx, channel, body).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	return n, nil
}

func (b *Bus) receive(ch <-chan *redis.Message) {
	defer close(b.doneCh)
	for msg := range ch {
		b.route(msg)
	}
}

// route hands msg to the delivery goroutine of its channel or pattern. A
// slow channel only backs up its own queue; once that queue is full further
// messages for it are dropped.
func (b *Bus) route(raw *redis.Message) {
	k, name := kindChannel, raw.Channel
	if raw.Pattern != "" {
		k, name = kindPattern, raw.Pattern
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.tables[k][name]
	if !ok || e.queue == nil {
		return
	}
	select {
	case e.queue <- raw:
	default:
		b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", raw.Channel)))
		b.lg.Warn("event queue full, dropping message", zap.String(k.String(), name))
	}
}

// deliver drains one entry's queue. Messages of a channel are handled one
// at a time, in arrival order.
func (b *Bus) deliver(e *entry, queue <-chan *redis.Message) {
	defer b.laneWG.Done()
	for raw := range queue {
		b.dispatch(e, raw)
	}
}

// dispatch runs every handler for msg concurrently and returns once all of
// them have finished or timed out.
func (b *Bus) dispatch(e *entry, raw *redis.Message) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	msg := &Message{
		Channel:    raw.Channel,
		Pattern:    raw.Pattern,
		Data:       payload(raw.Payload),
		ReceivedAt: time.Now(),
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			b.invoke(h, msg)
		}(h)
	}
	wg.Wait()
	b.delivered.Add(context.Background(), int64(len(handlers)), metric.WithAttributes(attribute.String("channel", raw.Channel)))
}

// invoke stops waiting for h when the handler timeout fires. A handler that
// ignores its context keeps running on its own but no longer holds up the
// channel.
func (b *Bus) invoke(h Handler, msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.handlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- h(ctx, msg)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = fmt.Errorf("handler abandoned: %w", ctx.Err())
	}
	if err == nil {
		return
	}
	b.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", msg.Channel)))
	b.lg.Error("event handler failed",
		zap.String("channel", msg.Channel),
		zap.String("pattern", msg.Pattern),
		zap.Error(err),
	)
}

func (b *Bus) cleanupLoop() {
	defer b.cleanWG.Done()
	ticker := time.NewTicker(b.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.cleanup()
		}
	}
}

// cleanup retries broker unsubscribes for channels left without handlers.
func (b *Bus) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range b.tables {
		for name, e := range b.tables[k] {
			if !e.stale || len(e.handlers) > 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.handlerTimeout)
			err := b.brokerUnsubscribe(ctx, kind(k), name)
			cancel()
			if err != nil {
				b.lg.Warn("stale subscription cleanup failed", zap.String(kind(k).String(), name), zap.Error(err))
				continue
			}
			e.closeQueue()
			delete(b.tables[k], name)
			b.lg.Info("stale subscription cleaned up", zap.String(kind(k).String(), name))
		}
	}
}

// Stats reports the number of broker subscriptions and local handlers.
func (b *Bus) Stats() (subscriptions, handlers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.tables {
		for _, e := range b.tables[k] {
			if e.subscribed {
				subscriptions++
			}
			handlers += len(e.handlers)
		}
	}
	return subscriptions, handlers
}

// Close stops delivery and releases the broker subscription. Handlers still
// running are waited for until ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stopCh)
		b.cleanWG.Wait()
		b.closeErr = b.ps.Close()

		select {
		case <-b.doneCh:
		case <-ctx.Done():
		}
		b.mu.Lock()
		for k := range b.tables {
			for _, e := range b.tables[k] {
				e.closeQueue()
			}
		}
		b.mu.Unlock()

		lanes := make(chan struct{})
		go func() {
			b.laneWG.Wait()
			close(lanes)
		}()
		select {
		case <-lanes:
		case <-ctx.Done():
			b.lg.Warn("event bus close timed out waiting for handlers", zap.Error(ctx.Err()))
		}
		b.lg.Info("event bus closed")
	})
	return b.closeErr
}
