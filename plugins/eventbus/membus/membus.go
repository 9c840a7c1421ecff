// Package membus provides an in-memory implementation of eventbus.EventBus.
package membus

import (
	"context"
	"slices"
	"sync"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
	"github.com/vlevchine/InGear/plugins/eventbus"
)

// Option configures the bus.
type Option func(*Bus)

// WithWorkerPool sets the number of worker goroutines for processing events.
// Default is 100 workers. Set to 0 to use unbounded goroutines.
func WithWorkerPool(size int) Option {
	return func(b *Bus) {
		b.workers = size
	}
}

// New returns a new in-memory bus. ctx is passed to handlers when they are
// executed.
func New(ctx context.Context, opts ...Option) *Bus {
	b := &Bus{
		subscriberCtx: logging.With(ctx, logging.FromContext(ctx).Named("eventbus")),
		subscribers:   map[string][]*subscription{},
		workers:       100,
		jobs:          make(chan job, 500),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	handler eventbus.Handler
}

type job struct {
	ctx     context.Context
	handler eventbus.Handler
	msg     *eventbus.Message
}

// Bus is an in-memory implementation of EventBus.
type Bus struct {
	subscribers   map[string][]*subscription
	subscriberCtx context.Context

	mu sync.Mutex
	wg sync.WaitGroup

	jobs    chan job
	workers int
	started bool
	closed  bool
}

// Subscribe registers a handler for messages on topic.
func (b *Bus) Subscribe(_ context.Context, topic string, handler eventbus.Handler) (eventbus.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.Mark(eventbus.ErrClosed, 0)
	}
	sub := &subscription{handler: handler}
	b.subscribers[topic] = append(b.subscribers[topic], sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subscribers[topic] = slices.DeleteFunc(b.subscribers[topic], func(s *subscription) bool {
				return s == sub
			})
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
		})
	}, nil
}

// Publish sends a message to all subscribers of topic.
func (b *Bus) Publish(_ context.Context, topic string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Mark(eventbus.ErrClosed, 0)
	}
	if !b.started {
		b.startWorkers()
		b.started = true
	}

	subs := b.subscribers[topic]
	if len(subs) == 0 {
		return nil
	}

	ctx := logging.With(b.subscriberCtx, logging.FromContext(b.subscriberCtx).Named(topic))
	for _, sub := range subs {
		msg, err := eventbus.NewMessage(topic, data)
		if err != nil {
			return err
		}
		b.wg.Add(1)
		if b.workers == 0 {
			go b.execute(ctx, sub.handler, msg)
		} else {
			b.jobs <- job{ctx: ctx, handler: sub.handler, msg: msg}
		}
	}
	return nil
}

func (b *Bus) startWorkers() {
	for range b.workers {
		go b.worker()
	}
}

func (b *Bus) worker() {
	for job := range b.jobs {
		b.execute(job.ctx, job.handler, job.msg)
	}
}

// Close stops accepting messages, drops subscriptions and waits for running
// handlers to finish.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.subscribers = map[string][]*subscription{}
		close(b.jobs)
	}
	b.mu.Unlock()

	return b.Wait(ctx)
}

// Wait blocks until all pending messages are processed.
func (b *Bus) Wait(ctx context.Context) error {
	c := make(chan struct{})
	go func() {
		defer close(c)
		b.wg.Wait()
	}()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return errors.New("eventbus: timeout waiting for handlers to finish")
	}
}

func (b *Bus) execute(ctx context.Context, handler eventbus.Handler, msg *eventbus.Message) {
	defer func() {
		if err := errors.Recovered(recover()); err != nil {
			logging.Errorw(ctx, "eventbus: recovered from panic",
				"error", err, "error.stack_trace", err.ErrorStack())
		}
		b.wg.Done()
	}()
	if err := handler(ctx, msg); err != nil {
		logging.Errorw(ctx, "eventbus: handler error", "error", err, "message_id", msg.ID)
	}
}
