package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/metric"
	"github.com/solatis/rulekeeper/internal/types"
)

// Policy decides what happens when a row wants to open while another row is dirty.
type Policy int

const (
	// PolicyConfirm parks the intent as a Confirmation until Resolve is called.
	PolicyConfirm Policy = iota

	// PolicyStrict rejects the intent with types.ErrSessionBusy.
	PolicyStrict
)

// ParsePolicy resolves "confirm" or "strict".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "confirm":
		return PolicyConfirm, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return 0, types.Invalid("policy", "unknown session policy %q", s)
	}
}

// Decision answers a pending Confirmation.
type Decision int

const (
	// Discard drops the dirty edits, then runs the intent.
	Discard Decision = iota
	// Keep leaves the dirty session open and runs the intent anyway.
	Keep
	// Cancel drops the intent.
	Cancel
)

var (
	// ErrNoConfirmation is returned by Resolve when nothing is pending.
	ErrNoConfirmation = errors.New("no pending confirmation")

	// ErrClosed is returned once the editor has shut down.
	ErrClosed = errors.New("editor closed")
)

// Confirmation is an intent waiting on the user because another rule is dirty.
type Confirmation struct {
	Dirty  []types.RuleID // sessions that would be discarded
	Target types.RuleID   // rule that wants to open, or the navigation target
	Nav    *bus.Navigate  // set when the intent is a navigation

	proceed func()
}

// Coordinator keeps one EditSession per rule row.
//
// The session map is rebuilt from bus events only: ruleView.change marks a
// session dirty, ruleView.unchanged clean, ruleView.close and
// ruleView.discardAll end editing. All handlers and methods run on the loop.
type Coordinator struct {
	bus     *bus.Bus
	scope   *bus.Scope
	loop    *Loop
	policy  Policy
	metrics *metric.Metrics
	logger  *slog.Logger

	sessions map[types.RuleID]*types.EditSession
	focus    bus.Navigate
	pending  *Confirmation
}

func newCoordinator(b *bus.Bus, loop *Loop, policy Policy, m *metric.Metrics, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		bus:      b,
		scope:    bus.NewScope(b),
		loop:     loop,
		policy:   policy,
		metrics:  m,
		logger:   logger.With("component", "coordinator"),
		sessions: make(map[types.RuleID]*types.EditSession),
	}
	c.scope.Track(bus.On(b, bus.TopicRuleChange, c.onChange))
	c.scope.Track(bus.On(b, bus.TopicRuleUnchanged, c.onUnchanged))
	c.scope.Track(bus.On(b, bus.TopicRuleClose, c.onClose))
	c.scope.Track(bus.On(b, bus.TopicDiscardAll, c.onDiscardAll))
	c.scope.Track(bus.On(b, bus.TopicNavigate, c.onNavigate))
	return c
}

func (c *Coordinator) session(id types.RuleID) *types.EditSession {
	s, ok := c.sessions[id]
	if !ok {
		s = &types.EditSession{ID: id}
		c.sessions[id] = s
	}
	return s
}

func (c *Coordinator) onChange(ref bus.RuleRef) {
	s := c.session(ref.ID)
	s.IsEditing = true
	s.IsDirty = true
	c.logger.Debug("session dirty", "rule", ref.ID)
	c.metrics.SetDirty(len(c.dirtyIDs()))
}

func (c *Coordinator) onUnchanged(ref bus.RuleRef) {
	if s, ok := c.sessions[ref.ID]; ok {
		s.IsDirty = false
	}
	c.metrics.SetDirty(len(c.dirtyIDs()))
}

func (c *Coordinator) onClose(ref bus.RuleRef) {
	delete(c.sessions, ref.ID)
	c.metrics.SetDirty(len(c.dirtyIDs()))
}

func (c *Coordinator) onDiscardAll(bus.DiscardAll) {
	for id := range c.sessions {
		delete(c.sessions, id)
	}
	c.metrics.SetDirty(0)
}

func (c *Coordinator) onNavigate(nav bus.Navigate) {
	c.focus = nav
}

// opened records that a row expanded its editor.
func (c *Coordinator) opened(id types.RuleID) {
	c.session(id).IsEditing = true
}

func (c *Coordinator) dirtyIDs() []types.RuleID {
	var ids []types.RuleID
	for id, s := range c.sessions {
		if s.IsDirty {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// arbitrate runs proceed unless another session is dirty. Otherwise it either
// parks the intent (PolicyConfirm) or rejects it (PolicyStrict).
func (c *Coordinator) arbitrate(target types.RuleID, nav *bus.Navigate, proceed func()) (*Confirmation, error) {
	dirty := slices.DeleteFunc(c.dirtyIDs(), func(id types.RuleID) bool { return id == target })
	if len(dirty) == 0 {
		proceed()
		return nil, nil
	}
	if c.policy == PolicyStrict {
		return nil, fmt.Errorf("open %s: %w (dirty: %v)", target, types.ErrSessionBusy, dirty)
	}
	if c.pending != nil {
		c.logger.Debug("confirmation superseded", "target", c.pending.Target)
	}
	c.pending = &Confirmation{Dirty: dirty, Target: target, Nav: nav, proceed: proceed}
	c.logger.Debug("confirmation pending", "target", target, "dirty", dirty)
	return c.snapshotPending(), nil
}

func (c *Coordinator) snapshotPending() *Confirmation {
	if c.pending == nil {
		return nil
	}
	p := *c.pending
	p.Dirty = slices.Clone(p.Dirty)
	p.proceed = nil
	return &p
}

func (c *Coordinator) resolve(d Decision) error {
	p := c.pending
	if p == nil {
		return ErrNoConfirmation
	}
	c.pending = nil

	switch d {
	case Cancel:
		c.logger.Debug("confirmation cancelled", "target", p.Target)
		return nil
	case Discard:
		if p.Nav != nil {
			c.bus.Publish(bus.TopicDiscardAll, bus.DiscardAll{})
			c.discarded("navigate", len(p.Dirty))
		} else {
			for _, id := range p.Dirty {
				c.bus.Publish(bus.TopicRuleUnchanged, bus.RuleRef{ID: id})
				c.bus.Publish(bus.TopicRuleClose, bus.RuleRef{ID: id})
			}
			c.discarded("confirm", len(p.Dirty))
		}
	case Keep:
	default:
		return fmt.Errorf("unknown decision %d", d)
	}
	p.proceed()
	return nil
}

func (c *Coordinator) discarded(trigger string, n int) {
	for range n {
		c.metrics.Discarded(trigger)
	}
}

func (c *Coordinator) navigate(nav bus.Navigate) (*Confirmation, error) {
	return c.arbitrate(nav.NewRuleID, &nav, func() {
		c.bus.Publish(bus.TopicNavigate, nav)
	})
}

// Session returns the record for id and whether one exists.
func (c *Coordinator) Session(id types.RuleID) (types.EditSession, bool) {
	var (
		s  types.EditSession
		ok bool
	)
	c.loop.Do(func() {
		var p *types.EditSession
		if p, ok = c.sessions[id]; ok {
			s = *p
		}
	})
	return s, ok
}

// Sessions returns every record, sorted by id.
func (c *Coordinator) Sessions() []types.EditSession {
	var out []types.EditSession
	c.loop.Do(func() {
		for _, s := range c.sessions {
			out = append(out, *s)
		}
	})
	slices.SortFunc(out, func(a, b types.EditSession) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// DirtyIDs lists the dirty sessions, sorted.
func (c *Coordinator) DirtyIDs() []types.RuleID {
	var ids []types.RuleID
	c.loop.Do(func() { ids = c.dirtyIDs() })
	return ids
}

// Focus returns the last navigation target.
func (c *Coordinator) Focus() bus.Navigate {
	var nav bus.Navigate
	c.loop.Do(func() { nav = c.focus })
	return nav
}

// Pending returns the parked confirmation, or nil.
func (c *Coordinator) Pending() *Confirmation {
	var p *Confirmation
	c.loop.Do(func() { p = c.snapshotPending() })
	return p
}

// Navigate moves tree focus, arbitrating against dirty sessions.
// Discarding a navigation publishes ruleView.discardAll.
func (c *Coordinator) Navigate(nav bus.Navigate) (*Confirmation, error) {
	var (
		conf *Confirmation
		err  error
	)
	if !c.loop.Do(func() { conf, err = c.navigate(nav) }) {
		return nil, ErrClosed
	}
	return conf, err
}

// Resolve settles the pending confirmation.
func (c *Coordinator) Resolve(d Decision) error {
	var err error
	if !c.loop.Do(func() { err = c.resolve(d) }) {
		return ErrClosed
	}
	return err
}

func (c *Coordinator) close() {
	c.scope.Close()
	c.pending = nil
}
