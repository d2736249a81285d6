package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/types"
)

// fakeGateway is an in-memory rule store with injectable failures.
type fakeGateway struct {
	mu      sync.Mutex
	rules   map[types.RuleID]types.Rule
	fail    map[bus.Topic]error
	gate    chan struct{} // when set, calls block until it is closed
	gates   map[bus.Topic]chan struct{}
	calls   []bus.Envelope
	nextSeq int
}

func newFakeGateway(rules ...types.Rule) *fakeGateway {
	g := &fakeGateway{
		rules: make(map[types.RuleID]types.Rule),
		fail:  make(map[bus.Topic]error),
		gates: make(map[bus.Topic]chan struct{}),
	}
	for _, r := range rules {
		g.rules[r.ID] = r
	}
	return g
}

func (g *fakeGateway) enter(ctx context.Context, topic bus.Topic, payload any) error {
	g.mu.Lock()
	g.calls = append(g.calls, bus.Envelope{Topic: topic, Payload: payload})
	gate := g.gate
	if tg, ok := g.gates[topic]; ok {
		gate = tg
	}
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", types.ErrTransport, ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fail[topic]
}

func (g *fakeGateway) setFail(topic bus.Topic, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[topic] = err
}

func (g *fakeGateway) block() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	return g.gate
}

func (g *fakeGateway) unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

// blockTopic holds calls on one topic only.
func (g *fakeGateway) blockTopic(topic bus.Topic) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[topic] = make(chan struct{})
}

func (g *fakeGateway) unblockTopic(topic bus.Topic) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gate, ok := g.gates[topic]; ok {
		close(gate)
		delete(g.gates, topic)
	}
}

func (g *fakeGateway) callCount(topic bus.Topic) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Topic == topic {
			n++
		}
	}
	return n
}

func (g *fakeGateway) lastCall(topic bus.Topic) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		if g.calls[i].Topic == topic {
			return g.calls[i].Payload
		}
	}
	return nil
}

func (g *fakeGateway) writes() int {
	return g.callCount(bus.TopicRuleCreateObject) + g.callCount(bus.TopicRuleCreateValue) + g.callCount(bus.TopicRuleOrder)
}

func (g *fakeGateway) GetRule(ctx context.Context, id types.RuleID) (types.Rule, error) {
	if err := g.enter(ctx, bus.TopicRuleGet, bus.GetRuleRequest{ID: id}); err != nil {
		return types.Rule{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rules[id]
	if !ok {
		return types.Rule{}, fmt.Errorf("rule %s: %w", id, types.ErrNotFound)
	}
	return r, nil
}

func (g *fakeGateway) store(id types.RuleID, revision int64, apply func(*types.Rule)) (types.Ack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rules[id]
	if id == "" {
		g.nextSeq++
		id = types.RuleID(fmt.Sprintf("new-%d", g.nextSeq))
		r = types.Rule{ID: id}
	} else if !ok {
		return types.Ack{}, fmt.Errorf("rule %s: %w", id, types.ErrNotFound)
	} else if r.Revision != revision {
		return types.Ack{}, fmt.Errorf("rule %s: %w", id, types.ErrConflict)
	}
	apply(&r)
	r.Revision++
	g.rules[id] = r
	return types.Ack{ID: id, Revision: r.Revision}, nil
}

func (g *fakeGateway) SaveObjectRule(ctx context.Context, req bus.ObjectRuleRequest) (types.Ack, error) {
	if err := g.enter(ctx, bus.TopicRuleCreateObject, req); err != nil {
		return types.Ack{}, err
	}
	return g.store(req.ID, req.Revision, func(r *types.Rule) {
		r.ParentID = req.ParentID
		r.Type = req.Type
		r.Comment = req.Comment
		r.SourcePath = req.SourceProperty
		r.MappingTarget = types.MappingTarget{URI: req.TargetProperty, IsBackward: req.EntityConnection}
		r.TypeRules = req.TargetEntityType
		r.Pattern = req.Pattern
	})
}

func (g *fakeGateway) SaveValueRule(ctx context.Context, req bus.ValueRuleRequest) (types.Ack, error) {
	if err := g.enter(ctx, bus.TopicRuleCreateValue, req); err != nil {
		return types.Ack{}, err
	}
	return g.store(req.ID, req.Revision, func(r *types.Rule) {
		r.ParentID = req.ParentID
		r.Type = req.Type
		r.Comment = req.Comment
		r.SourcePath = req.SourceProperty
		r.MappingTarget = types.MappingTarget{URI: req.TargetProperty, ValueType: req.PropertyType}
	})
}

func (g *fakeGateway) ReorderRule(ctx context.Context, req types.ReorderRequest) (types.Ack, error) {
	if err := g.enter(ctx, bus.TopicRuleOrder, req); err != nil {
		return types.Ack{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rules[req.ID]
	if !ok {
		return types.Ack{}, fmt.Errorf("rule %s: %w", req.ID, types.ErrNotFound)
	}
	r.Position = req.TargetPosition
	r.Revision++
	g.rules[req.ID] = r
	return types.Ack{ID: req.ID, Revision: r.Revision}, nil
}

func newTestEditor(t *testing.T, gw *fakeGateway, opts ...Option) *Editor {
	t.Helper()
	e := NewEditor(gw, opts...)
	t.Cleanup(e.Close)
	return e
}

// record taps every topic; the recorder must be created and read on the loop.
func record(t *testing.T, e *Editor) *bus.Recorder {
	t.Helper()
	var rec *bus.Recorder
	e.Loop().Do(func() { rec = bus.Record(e.Bus()) })
	return rec
}

func openRow(t *testing.T, e *Editor, spec RowSpec) *Row {
	t.Helper()
	r, err := e.NewRow(spec)
	if err != nil {
		t.Fatalf("NewRow: %v", err)
	}
	if spec.ID != "" {
		conf, err := r.Expand()
		if err != nil || conf != nil {
			t.Fatalf("Expand(%s) = %v, %v", spec.ID, conf, err)
		}
		e.Settle()
	}
	return r
}

func valueRule(id types.RuleID, target, source string) types.Rule {
	return types.Rule{
		ID:            id,
		ParentID:      "root",
		Type:          types.RuleTypeValue,
		MappingTarget: types.MappingTarget{URI: target, ValueType: types.DefaultPropertyType},
		SourcePath:    source,
		Revision:      1,
	}
}
