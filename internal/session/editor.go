// Package session coordinates rule row edit sessions.
//
// An Editor owns the event bus, the loop that serializes all session state,
// the Coordinator that tracks which rows are editing or dirty, and the
// gateway used by rows to load, save and reorder rules. Rows never reference
// each other; they communicate only through bus topics.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/gateway"
	"github.com/solatis/rulekeeper/internal/metric"
	"github.com/solatis/rulekeeper/internal/rules"
)

// Editor is the context shared by every row of one rule tree.
type Editor struct {
	bus    *bus.Bus
	loop   *Loop
	coord  *Coordinator
	gw     gateway.Gateway
	logger *slog.Logger
	accept rules.Acceptor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rows      map[*Row]struct{} // loop-owned
	closeOnce sync.Once
}

type options struct {
	bus      *bus.Bus
	policy   Policy
	acceptor rules.Acceptor
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// Option configures an Editor.
type Option func(*options)

// WithBus shares an existing bus instead of creating one.
func WithBus(b *bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithPolicy selects how opening a second row while one is dirty is handled.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithAcceptor installs the field value predicate used by SetField.
func WithAcceptor(a rules.Acceptor) Option {
	return func(o *options) { o.acceptor = a }
}

// WithMetrics records dirty sessions and discards.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the editor logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewEditor starts an editor over gw. Call Close to stop it.
func NewEditor(gw gateway.Gateway, opts ...Option) *Editor {
	o := options{
		policy:   PolicyConfirm,
		acceptor: rules.DefaultAcceptor,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = bus.New(o.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		bus:    o.bus,
		loop:   NewLoop(),
		gw:     gw,
		logger: o.logger.With("component", "editor"),
		accept: o.acceptor,
		ctx:    ctx,
		cancel: cancel,
		rows:   make(map[*Row]struct{}),
	}
	e.coord = newCoordinator(e.bus, e.loop, o.policy, o.metrics, o.logger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop.Run(ctx)
	}()
	return e
}

// Bus returns the editor's event bus.
func (e *Editor) Bus() *bus.Bus { return e.bus }

// Coordinator returns the session coordinator.
func (e *Editor) Coordinator() *Coordinator { return e.coord }

// Loop returns the event loop.
func (e *Editor) Loop() *Loop { return e.loop }

// NewRow attaches a row. A spec without ID starts a new rule in Editing.
func (e *Editor) NewRow(spec RowSpec) (*Row, error) {
	var r *Row
	if !e.loop.Do(func() {
		r = newRow(e, spec)
		e.rows[r] = struct{}{}
	}) {
		return nil, ErrClosed
	}
	return r, nil
}

// Publish posts an event to the bus from outside the loop.
func (e *Editor) Publish(topic bus.Topic, payload any) error {
	if !e.loop.Do(func() { e.bus.Publish(topic, payload) }) {
		return ErrClosed
	}
	return nil
}

// Settle waits until every gateway call issued so far has resolved and its
// completion has been applied.
func (e *Editor) Settle() {
	e.loop.Settle()
}

func (e *Editor) forget(r *Row) {
	delete(e.rows, r)
}

// Close detaches every row, stops the loop and cancels in-flight calls.
func (e *Editor) Close() {
	e.closeOnce.Do(func() {
		e.loop.Do(func() {
			for r := range e.rows {
				r.detach()
			}
			e.coord.close()
		})
		e.loop.Stop()
		e.cancel()
		e.wg.Wait()
		e.logger.Debug("editor closed")
	})
}
