// Package redisbus implements eventbus.EventBus over Redis pub/sub, so that
// applications and the authorization server can find each other across
// processes.
//
// Messages are published as the JSON encoding of eventbus.Message.
package redisbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/eventbus"
)

// New returns a bus on client. Handlers run with ctx, which should carry a
// logger.
func New(ctx context.Context, client redis.UniversalClient) *Bus {
	return &Bus{
		client:        client,
		subscriberCtx: logging.With(ctx, logging.FromContext(ctx).Named("eventbus")),
		subs:          map[*redis.PubSub]struct{}{},
	}
}

// Bus is a Redis backed EventBus. It does not own the client.
type Bus struct {
	client        redis.UniversalClient
	subscriberCtx context.Context

	mu     sync.Mutex
	wg     sync.WaitGroup
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// Publish sends data to subscribers on every connected process.
func (b *Bus) Publish(ctx context.Context, topic string, data any) error {
	if b.isClosed() {
		return errors.Mark(eventbus.ErrClosed, 0)
	}
	msg, err := eventbus.NewMessage(topic, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.WrapPrefix(err, "redisbus: publish failed", 0).WithKind(errors.Upstream)
	}
	return nil
}

// Subscribe listens on topic until the returned func or Close is called. Each
// subscription holds its own connection; handlers for one subscription run
// sequentially.
func (b *Bus) Subscribe(ctx context.Context, topic string, h eventbus.Handler) (eventbus.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.Mark(eventbus.ErrClosed, 0)
	}

	ps := b.client.Subscribe(ctx, topic)
	// The first reply confirms the subscription, so nothing published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.WrapPrefix(err, "redisbus: subscribe failed", 0).WithKind(errors.Upstream)
	}
	b.subs[ps] = struct{}{}

	hctx := logging.With(b.subscriberCtx, logging.FromContext(b.subscriberCtx).Named(topic))
	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ch {
			b.dispatch(hctx, h, m)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

func (b *Bus) dispatch(ctx context.Context, h eventbus.Handler, m *redis.Message) {
	defer func() {
		if err := errors.Recovered(recover()); err != nil {
			logging.Errorw(ctx, "eventbus: recovered from panic",
				"error", err, "error.stack_trace", err.ErrorStack())
		}
	}()

	var msg eventbus.Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		logging.Warnw(ctx, "eventbus: dropping malformed message", "error", err)
		return
	}
	msg.Topic = m.Channel
	if err := h(ctx, &msg); err != nil {
		logging.Errorw(ctx, "eventbus: handler error", "error", err, "message_id", msg.ID)
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close releases every subscription and waits for handlers to return.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = map[*redis.PubSub]struct{}{}
	b.mu.Unlock()

	for ps := range subs {
		_ = ps.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("eventbus: timeout waiting for handlers to finish")
	}
}
