// Package bus provides the topic-keyed publish/subscribe channel that
// decouples rule rows from each other and from the root view.
//
// Delivery is synchronous: Publish invokes every handler subscribed to the
// exact topic, in subscription order, on the caller's goroutine. The bus
// holds no lock while handlers run, so handlers may publish, subscribe or
// dispose freely. A subscription disposed while an event is being delivered
// is not invoked for that event.
//
// The bus has no global instance. It is constructed once per editor and
// passed down; owners release their subscriptions through a Scope.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives the payload of one event.
type Handler func(payload any)

// Bus is a synchronous publish/subscribe channel keyed by Topic.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[Topic][]*Subscription
}

// New creates an empty bus. A nil logger discards bus logging.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		topics: make(map[Topic][]*Subscription),
	}
}

// Subscription is the disposable handle returned by Subscribe.
type Subscription struct {
	bus      *Bus
	topic    Topic
	handler  Handler
	disposed atomic.Bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Dispose stops delivery to this subscription. Idempotent.
func (s *Subscription) Dispose() {
	if s.disposed.Swap(true) {
		return
	}
	s.bus.remove(s)
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	sub := &Subscription{bus: b, topic: topic, handler: handler}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return sub
}

// Publish delivers payload to every current subscriber of topic.
// Subscribers added during delivery receive only later events.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	subs := b.topics[topic]
	targets := make([]*Subscription, len(subs))
	copy(targets, subs)
	b.mu.Unlock()

	b.logger.Debug("publish", "topic", string(topic), "payload", fmt.Sprintf("%+v", payload), "subscribers", len(targets))

	for _, sub := range targets {
		if sub.disposed.Load() {
			continue
		}
		sub.handler(payload)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, existing := range subs {
		if existing == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	} else {
		b.topics[sub.topic] = subs
	}
}

// On subscribes a typed handler. Payloads of any other type are logged and dropped.
func On[T any](b *Bus, topic Topic, fn func(T)) *Subscription {
	return b.Subscribe(topic, func(payload any) {
		v, ok := payload.(T)
		if !ok {
			b.logger.Warn("dropping payload of unexpected type",
				"topic", string(topic),
				"type", fmt.Sprintf("%T", payload))
			return
		}
		fn(v)
	})
}
