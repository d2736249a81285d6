package session

import (
	"context"
	"sync"
)

// Loop serializes every session mutation on one goroutine.
//
// Bus handlers, row intents and gateway completions all run as closures
// posted to the loop, so the EditSession map and row state need no locks.
// Gateway calls run on their own goroutine via Await and post their
// completion back.
type Loop struct {
	queue chan func()
	done  chan struct{}

	inflight sync.WaitGroup // Await calls plus their pending completions
	stopOnce sync.Once
}

// NewLoop creates a loop with a buffered work queue.
func NewLoop() *Loop {
	return &Loop{
		queue: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Run executes posted work until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.queue:
			fn()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

// Stop ends Run. Work posted afterwards is dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Post schedules fn on the loop. It reports false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
// Must not be called from the loop goroutine.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Settle blocks until every in-flight Await call has completed and its
// completion has run on the loop.
// Must not be called from the loop goroutine.
func (l *Loop) Settle() {
	l.inflight.Wait()
	// Flush work queued by the completions themselves.
	l.Do(func() {})
}

// Await runs call off the loop and delivers its result to then on the loop.
// The completion is dropped if the loop has stopped.
func Await[T any](l *Loop, ctx context.Context, call func(context.Context) (T, error), then func(T, error)) {
	l.inflight.Add(1)
	go func() {
		v, err := call(ctx)
		if !l.Post(func() {
			defer l.inflight.Done()
			then(v, err)
		}) {
			l.inflight.Done()
		}
	}()
}
