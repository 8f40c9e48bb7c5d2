package eventbus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alihesham01/chronizer/broker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePubSub struct {
	mu          sync.Mutex
	subscribes  map[string]int
	unsubscribe map[string]int
	failUnsub   bool
	ch          chan *redis.Message

	// active tracks live broker subscriptions; overlaps counts a subscribe
	// on an active name or an unsubscribe on an inactive one.
	active   map[string]bool
	overlaps int
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{
		subscribes:  map[string]int{},
		unsubscribe: map[string]int{},
		active:      map[string]bool{},
		ch:          make(chan *redis.Message, 64),
	}
}

func (f *fakePubSub) Subscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range channels {
		if f.active[c] {
			f.overlaps++
		}
		f.active[c] = true
		f.subscribes[c]++
	}
	return nil
}

func (f *fakePubSub) PSubscribe(ctx context.Context, patterns ...string) error {
	return f.Subscribe(ctx, patterns...)
}

func (f *fakePubSub) Unsubscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUnsub {
		return errors.New("connection reset by peer")
	}
	for _, c := range channels {
		if !f.active[c] {
			f.overlaps++
		}
		f.active[c] = false
		f.unsubscribe[c]++
	}
	return nil
}

func (f *fakePubSub) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return f.Unsubscribe(ctx, patterns...)
}

func (f *fakePubSub) Channel(...redis.ChannelOption) <-chan *redis.Message { return f.ch }

func (f *fakePubSub) Close() error {
	close(f.ch)
	return nil
}

func (f *fakePubSub) counts(name string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[name], f.unsubscribe[name]
}

func (f *fakePubSub) state(name string) (active bool, overlaps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name], f.overlaps
}

func (f *fakePubSub) setFailUnsub(v bool) {
	f.mu.Lock()
	f.failUnsub = v
	f.mu.Unlock()
}

type fakePublisher struct{ ready bool }

func (p fakePublisher) Ready() bool { return p.ready }

func (p fakePublisher) Do(context.Context, func(context.Context, *redis.Client) error) error {
	return errors.New("unexpected publish")
}

func newTestBus(t *testing.T, opts ...Option) (*Bus, *fakePubSub) {
	ps := newFakePubSub()
	b, err := newBus(zap.NewNop(), ps, fakePublisher{}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b, ps
}

func noop(context.Context, *Message) error { return nil }

func TestBus_BrokerSubscriptionFollowsHandlerCount(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()

	id1, err := b.Subscribe(ctx, "products:created", noop)
	require.NoError(t, err)
	id2, err := b.Subscribe(ctx, "products:created", noop)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	subs, unsubs := ps.counts("products:created")
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)

	require.NoError(t, b.Unsubscribe(ctx, "products:created", id1))
	_, unsubs = ps.counts("products:created")
	assert.Equal(t, 0, unsubs)

	require.NoError(t, b.Unsubscribe(ctx, "products:created", id2))
	_, unsubs = ps.counts("products:created")
	assert.Equal(t, 1, unsubs)

	nsubs, handlers := b.Stats()
	assert.Zero(t, nsubs)
	assert.Zero(t, handlers)
}

func TestBus_UnsubscribeAll(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.PSubscribe(ctx, "bulk:*", noop)
		require.NoError(t, err)
	}
	require.NoError(t, b.PUnsubscribe(ctx, "bulk:*"))

	subs, unsubs := ps.counts("bulk:*")
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)
}

func TestBus_DispatchIsolatesFailingHandlers(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()

	got := make(chan *Message, 1)
	_, err := b.Subscribe(ctx, "stores:updated", func(context.Context, *Message) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "stores:updated", func(context.Context, *Message) error {
		return errors.New("handler failed")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "stores:updated", func(_ context.Context, m *Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	ps.ch <- &redis.Message{Channel: "stores:updated", Payload: `{"id":7}`}

	select {
	case m := <-got:
		assert.Equal(t, "stores:updated", m.Channel)
		assert.JSONEq(t, `{"id":7}`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("healthy handler was not invoked")
	}
}

func TestBus_NonJSONPayloadWrapped(t *testing.T) {
	b, ps := newTestBus(t)

	got := make(chan *Message, 1)
	_, err := b.PSubscribe(context.Background(), "jobs:*", func(_ context.Context, m *Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	ps.ch <- &redis.Message{Channel: "jobs:progress", Pattern: "jobs:*", Payload: "plain text"}

	m := <-got
	assert.Equal(t, "jobs:*", m.Pattern)
	var s string
	require.NoError(t, m.Decode(&s))
	assert.Equal(t, "plain text", s)
}

func TestBus_PerChannelOrder(t *testing.T) {
	b, ps := newTestBus(t)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	_, err := b.Subscribe(context.Background(), "transactions:created", func(_ context.Context, m *Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(m.Data))
		if len(seen) == 50 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		ps.ch <- &redis.Message{Channel: "transactions:created", Payload: strconv.Itoa(i)}
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		assert.Equal(t, strconv.Itoa(i), v)
	}
}

func TestBus_SlowChannelDoesNotBlockOthers(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	_, err := b.Subscribe(ctx, "bulk:progress", func(context.Context, *Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	got := make(chan *Message, 1)
	_, err = b.Subscribe(ctx, "stores:updated", func(_ context.Context, m *Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	ps.ch <- &redis.Message{Channel: "bulk:progress", Payload: `{"done":1}`}
	ps.ch <- &redis.Message{Channel: "bulk:progress", Payload: `{"done":2}`}
	ps.ch <- &redis.Message{Channel: "stores:updated", Payload: `{"id":3}`}

	select {
	case m := <-got:
		assert.JSONEq(t, `{"id":3}`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("stores:updated waited behind a blocked bulk:progress handler")
	}
}

func TestBus_HandlerIgnoringContextIsAbandoned(t *testing.T) {
	b, ps := newTestBus(t, WithHandlerTimeout(20*time.Millisecond))

	release := make(chan struct{})
	defer close(release)
	got := make(chan string, 2)
	_, err := b.Subscribe(context.Background(), "transactions:created", func(_ context.Context, m *Message) error {
		if string(m.Data) == "1" {
			<-release
		}
		got <- string(m.Data)
		return nil
	})
	require.NoError(t, err)

	ps.ch <- &redis.Message{Channel: "transactions:created", Payload: "1"}
	ps.ch <- &redis.Message{Channel: "transactions:created", Payload: "2"}

	select {
	case v := <-got:
		assert.Equal(t, "2", v)
	case <-time.After(time.Second):
		t.Fatal("second message stuck behind a handler past its timeout")
	}
}

func TestBus_QueueOverflowDrops(t *testing.T) {
	b, ps := newTestBus(t, WithQueueSize(1))

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	_, err := b.Subscribe(context.Background(), "products:created", func(_ context.Context, m *Message) error {
		<-release
		mu.Lock()
		seen = append(seen, string(m.Data))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// first is picked up by the handler, second waits in the queue
	ps.ch <- &redis.Message{Channel: "products:created", Payload: "1"}
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.tables[kindChannel]["products:created"].queue) == 0
	}, time.Second, 5*time.Millisecond)
	ps.ch <- &redis.Message{Channel: "products:created", Payload: "2"}
	ps.ch <- &redis.Message{Channel: "products:created", Payload: "3"}
	assert.Eventually(t, func() bool { return len(ps.ch) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()
	const workers = 64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := b.Subscribe(ctx, "inventory:updated", noop)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, b.Unsubscribe(ctx, "inventory:updated", id))
		}()
	}
	wg.Wait()

	nsubs, handlers := b.Stats()
	assert.Zero(t, nsubs)
	assert.Zero(t, handlers)

	subs, unsubs := ps.counts("inventory:updated")
	assert.GreaterOrEqual(t, subs, 1)
	assert.Equal(t, subs, unsubs)
	active, overlaps := ps.state("inventory:updated")
	assert.False(t, active)
	assert.Zero(t, overlaps)
}

func TestBus_ConcurrentSubscribersKeepOneBrokerSubscription(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()
	const workers = 64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(keep bool) {
			defer wg.Done()
			id, err := b.PSubscribe(ctx, "bulk:*", noop)
			if !assert.NoError(t, err) || keep {
				return
			}
			assert.NoError(t, b.PUnsubscribe(ctx, "bulk:*", id))
		}(i%2 == 0)
	}
	wg.Wait()

	nsubs, handlers := b.Stats()
	assert.Equal(t, 1, nsubs)
	assert.Equal(t, workers/2, handlers)
	active, overlaps := ps.state("bulk:*")
	assert.True(t, active)
	assert.Zero(t, overlaps)
}

func TestBus_StaleSubscriptionCleanup(t *testing.T) {
	b, ps := newTestBus(t, WithCleanupInterval(20*time.Millisecond))
	ctx := context.Background()

	id, err := b.Subscribe(ctx, "sku_mappings:deleted", noop)
	require.NoError(t, err)

	ps.setFailUnsub(true)
	require.NoError(t, b.Unsubscribe(ctx, "sku_mappings:deleted", id))
	subs, _ := b.Stats()
	assert.Equal(t, 1, subs)

	ps.setFailUnsub(false)
	assert.Eventually(t, func() bool {
		subs, _ := b.Stats()
		return subs == 0
	}, time.Second, 10*time.Millisecond)
	_, unsubs := ps.counts("sku_mappings:deleted")
	assert.Equal(t, 1, unsubs)
}

func TestBus_PublishWhenDisconnected(t *testing.T) {
	b, _ := newTestBus(t)

	n, err := b.Publish(context.Background(), "products:created", map[string]int{"id": 1})
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestBus_Validation(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "", noop)
	assert.ErrorIs(t, err, ErrEmptyChannel)
	_, err = b.Subscribe(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	require.NoError(t, b.Close(ctx))
	_, err = b.Subscribe(ctx, "x", noop)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_ConcurrentSubscribeThroughBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := broker.DefaultConfig()
	cfg.Addr = mr.Addr()
	mgr, err := broker.New(zap.NewNop(), cfg)
	require.NoError(t, err)
	defer mgr.Shutdown(context.Background())

	b, err := New(zap.NewNop(), mgr)
	require.NoError(t, err)
	defer b.Close(context.Background())

	ctx := context.Background()
	const workers = 20
	ids := make(chan HandlerID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(keep bool) {
			defer wg.Done()
			id, err := b.Subscribe(ctx, "returns:created", noop)
			if !assert.NoError(t, err) {
				return
			}
			if keep {
				ids <- id
				return
			}
			assert.NoError(t, b.Unsubscribe(ctx, "returns:created", id))
		}(i%4 == 0)
	}
	wg.Wait()
	close(ids)

	assert.Eventually(t, func() bool {
		return mr.PubSubNumSub("returns:created")["returns:created"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	for id := range ids {
		require.NoError(t, b.Unsubscribe(ctx, "returns:created", id))
	}
	assert.Eventually(t, func() bool {
		return mr.PubSubNumSub("returns:created")["returns:created"] == 0
	}, 2*time.Second, 10*time.Millisecond)
	nsubs, handlers := b.Stats()
	assert.Zero(t, nsubs)
	assert.Zero(t, handlers)
}

func TestBus_RoundTripThroughBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := broker.DefaultConfig()
	cfg.Addr = mr.Addr()
	mgr, err := broker.New(zap.NewNop(), cfg)
	require.NoError(t, err)
	defer mgr.Shutdown(context.Background())

	b, err := New(zap.NewNop(), mgr)
	require.NoError(t, err)
	defer b.Close(context.Background())

	ctx := context.Background()
	got := make(chan *Message, 2)
	_, err = b.Subscribe(ctx, "products:created", func(_ context.Context, m *Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	type created struct {
		ID  int    `json:"id"`
		SKU string `json:"sku"`
	}
	var n int64
	require.Eventually(t, func() bool {
		n, err = b.Publish(ctx, "products:created", created{ID: 1, SKU: "A-1"})
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case m := <-got:
		var c created
		require.NoError(t, m.Decode(&c))
		assert.Equal(t, created{ID: 1, SKU: "A-1"}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
