// Package eventbus provides the publish/subscribe channel used to discover the
// authorization server. Implementations live in membus (single process) and
// redisbus (Redis pub/sub).
//
// Besides plain broadcast the package offers one-shot request/reply: the
// caller subscribes to a private reply topic, publishes a request naming it,
// and waits for the first reply or a timeout:
//
//	reply, err := eventbus.Request(ctx, bus, "app_start", "app_start_workbench",
//		hello, 2*time.Second)
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
)

// PluginName identifies the eventbus plugin.
const PluginName = "eventbus"

var (
	// ErrTimeout is returned when no reply arrives in time.
	ErrTimeout = errors.NewK("eventbus: timed out waiting for reply", errors.Upstream)

	// ErrClosed is returned when publishing to or subscribing on a closed bus.
	ErrClosed = errors.NewK("eventbus: bus is closed", errors.Upstream)
)

// Message is delivered to handlers. Data holds the JSON encoded payload.
type Message struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// NewMessage encodes data into a message with a fresh id.
func NewMessage(topic string, data any) (*Message, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WrapPrefix(err, "eventbus: failed to encode payload", 0).WithKind(errors.Validation)
	}
	return &Message{ID: uuid.NewString(), Topic: topic, Data: b}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.WrapPrefix(err, "eventbus: failed to decode payload", 0).WithKind(errors.Validation)
	}
	return nil
}

// Handler processes a message. Errors are logged by the bus.
type Handler func(ctx context.Context, msg *Message) error

// Unsubscribe releases a subscription. Calling it more than once is safe.
type Unsubscribe func()

// EventBus is a topic based publish/subscribe channel.
type EventBus interface {
	// Publish sends data to every current subscriber of topic.
	Publish(ctx context.Context, topic string, data any) error

	// Subscribe registers h for topic. Handlers may be called concurrently.
	// The subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, topic string, h Handler) (Unsubscribe, error)

	// Close releases all subscriptions and waits for running handlers.
	Close(ctx context.Context) error
}

// Pending is a one-shot subscription created by SubscribeOnce.
type Pending struct {
	replies chan *Message
	timer   *time.Timer
	unsub   Unsubscribe
	once    sync.Once
}

// SubscribeOnce subscribes to topic for a single message. The timeout starts
// now; call Wait to receive the message.
func SubscribeOnce(ctx context.Context, bus EventBus, topic string, timeout time.Duration) (*Pending, error) {
	p := &Pending{
		replies: make(chan *Message, 1),
		timer:   time.NewTimer(timeout),
	}
	var delivered sync.Once
	unsub, err := bus.Subscribe(ctx, topic, func(_ context.Context, msg *Message) error {
		delivered.Do(func() {
			p.timer.Stop()
			p.replies <- msg
		})
		return nil
	})
	if err != nil {
		p.timer.Stop()
		return nil, err
	}
	p.unsub = unsub
	return p, nil
}

// Wait blocks until the first message, the timeout or ctx cancellation. The
// subscription is released in every case.
func (p *Pending) Wait(ctx context.Context) (*Message, error) {
	defer p.Cancel()
	select {
	case msg := <-p.replies:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.replies:
		return msg, nil
	case <-p.timer.C:
		return nil, errors.Mark(ErrTimeout, 0)
	case <-ctx.Done():
		return nil, errors.WrapPrefix(ctx.Err(), "eventbus: wait canceled", 0).WithKind(errors.Upstream)
	}
}

// Cancel stops the timer and releases the subscription.
func (p *Pending) Cancel() {
	p.once.Do(func() {
		p.timer.Stop()
		p.unsub()
	})
}

// Request publishes payload on topic and waits for the first message on
// replyTo. The reply subscription is in place before the request goes out.
func Request(ctx context.Context, bus EventBus, topic, replyTo string, payload any, timeout time.Duration) (*Message, error) {
	p, err := SubscribeOnce(ctx, bus, replyTo, timeout)
	if err != nil {
		return nil, err
	}
	if err := bus.Publish(ctx, topic, payload); err != nil {
		p.Cancel()
		return nil, err
	}
	return p.Wait(ctx)
}

// Plugin registers a bus with the server so other plugins can find it.
func Plugin(bus EventBus) *EventBusPlugin {
	return &EventBusPlugin{EventBus: bus}
}

// EventBusPlugin exposes an EventBus to other plugins.
type EventBusPlugin struct {
	EventBus
}

// From ingear.Plugin.
func (p *EventBusPlugin) Name() string {
	return PluginName
}

// From ingear.ShutdownPlugin.
func (p *EventBusPlugin) Shutdown(ctx context.Context) error {
	return p.EventBus.Close(ctx)
}

// FromRegistry returns the registered bus, or nil if there is none.
func FromRegistry(r *ingear.Registry) EventBus {
	if p, ok := r.Get(PluginName).(*EventBusPlugin); ok {
		return p.EventBus
	}
	return nil
}
