package bus

import "sync"

// Scope tracks the subscriptions of one owner.
// Subscribe on attach, Close on detach: every subscription taken through the
// scope is disposed exactly once, whichever path the owner leaves by.
type Scope struct {
	bus *Bus

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewScope creates a scope bound to b.
func NewScope(b *Bus) *Scope {
	return &Scope{bus: b}
}

// Bus returns the underlying bus.
func (s *Scope) Bus() *Bus {
	return s.bus
}

// Subscribe registers handler and tracks the subscription.
// After Close the returned subscription is already disposed.
func (s *Scope) Subscribe(topic Topic, handler Handler) *Subscription {
	sub := s.bus.Subscribe(topic, handler)
	s.track(sub)
	return sub
}

// Track adopts a subscription created elsewhere (for example by On).
func (s *Scope) Track(sub *Subscription) *Subscription {
	s.track(sub)
	return sub
}

func (s *Scope) track(sub *Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Dispose()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Close disposes every tracked subscription. Idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
}

// Len returns the number of live tracked subscriptions.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
