package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/solatis/rulekeeper/internal/bus"
	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

// State is the row's position in the edit state machine.
type State int

const (
	Collapsed State = iota
	Loading
	Clean             // expanded, matches the loaded snapshot
	Editing           // expanded new rule, not yet touched
	Dirty             // expanded with a real change
	Saving            // write in flight
	Failed            // dirty, last save failed
	ConfirmingDiscard // collapse requested while dirty
)

var stateNames = [...]string{
	Collapsed:         "collapsed",
	Loading:           "loading",
	Clean:             "clean",
	Editing:           "editing",
	Dirty:             "dirty",
	Saving:            "saving",
	Failed:            "failed",
	ConfirmingDiscard: "confirming-discard",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Expanded reports whether the row's editor is open.
func (s State) Expanded() bool {
	return s != Collapsed
}

// ErrNotEditable is returned for edits outside an open, idle editor.
var ErrNotEditable = errors.New("rule is not open for editing")

// RowSpec describes the rule a row renders.
type RowSpec struct {
	ID       types.RuleID // empty for a rule that does not exist yet
	ParentID types.RuleID
	Type     types.RuleType
	Position int
}

// View is everything needed to render a row.
type View struct {
	State      State
	Session    types.EditSession
	Current    types.Snapshot
	Err        error // last save error
	LoadErr    error
	ReorderErr error
	Loading    bool
	CanSave    bool
	Position   int
	Revision   int64
}

// Row drives one rule row. Exported methods may be called from any goroutine
// except the loop; they run on the loop and wait for the result.
type Row struct {
	editor *Editor
	scope  *bus.Scope
	logger *slog.Logger

	id       types.RuleID
	parentID types.RuleID
	kind     types.RuleType
	isNew    bool
	position int
	revision int64

	state    State
	prev     State // state to return to from ConfirmingDiscard
	loading  bool // GetRule in flight
	writing  bool // save or reorder in flight, survives collapse
	epoch    int  // bumped on collapse, invalidates pending loads
	detached bool

	initial types.Snapshot
	current types.Snapshot

	err        error
	loadErr    error
	reorderErr error
}

func newRow(e *Editor, spec RowSpec) *Row {
	r := &Row{
		editor:   e,
		scope:    bus.NewScope(e.bus),
		id:       spec.ID,
		parentID: spec.ParentID,
		kind:     spec.Type,
		isNew:    spec.ID == "",
		position: spec.Position,
	}
	r.logger = e.logger.With("component", "row", "rule", r.ref())

	r.scope.Track(bus.On(e.bus, bus.TopicRuleClose, r.onClose))
	r.scope.Track(bus.On(e.bus, bus.TopicDiscardAll, r.onDiscardAll))
	r.scope.Track(bus.On(e.bus, bus.TopicToggle, r.onToggle))

	if r.isNew {
		r.initial = newSnapshot(spec.Type)
		r.current = r.initial.Clone()
		r.state = Editing
		e.bus.Publish(bus.TopicRuleChange, bus.RuleRef{ID: types.PendingRuleID})
	}
	return r
}

func newSnapshot(t types.RuleType) types.Snapshot {
	s := types.Snapshot{Type: t}
	if t == types.RuleTypeValue {
		pt := types.DefaultPropertyType
		s.PropertyType = &pt
	} else {
		backward := false
		s.Backward = &backward
	}
	return s
}

// ref is the id the row announces on the bus.
func (r *Row) ref() types.RuleID {
	if r.isNew {
		return types.PendingRuleID
	}
	return r.id
}

func (r *Row) dirty() bool {
	return r.isNew || r.state == Dirty || r.state == Failed
}

func (r *Row) setState(s State) {
	if r.state != s {
		r.logger.Debug("transition", "from", r.state, "to", s)
	}
	r.state = s
}

func (r *Row) onClose(ref bus.RuleRef) {
	if ref.ID == r.ref() && r.state.Expanded() {
		r.collapse(false)
	}
}

func (r *Row) onDiscardAll(bus.DiscardAll) {
	if r.state.Expanded() {
		r.collapse(false)
	}
}

func (r *Row) onToggle(t bus.Toggle) {
	if r.kind == types.RuleTypeObject || !t.Matches(r.id) {
		return
	}
	if t.Expanded == r.state.Expanded() {
		return
	}
	if t.Expanded {
		// a forced expand only opens the editor, nothing is discarded
		r.load()
	} else {
		r.requestCollapse()
	}
}

// expand opens the editor and loads the rule, after arbitration.
func (r *Row) expand() (*Confirmation, error) {
	if r.state.Expanded() {
		return nil, nil
	}
	return r.editor.coord.arbitrate(r.ref(), nil, r.load)
}

func (r *Row) load() {
	if r.detached || r.state.Expanded() {
		return
	}
	r.editor.coord.opened(r.ref())
	if r.isNew {
		r.current = r.initial.Clone()
		r.setState(Editing)
		r.editor.bus.Publish(bus.TopicRuleChange, bus.RuleRef{ID: types.PendingRuleID})
		return
	}
	r.setState(Loading)
	r.loading = true
	r.loadErr = nil
	epoch := r.epoch
	id := r.id

	Await(r.editor.loop, r.editor.ctx, func(ctx context.Context) (types.Rule, error) {
		return r.editor.gw.GetRule(ctx, id)
	}, func(rule types.Rule, err error) {
		if r.detached || r.epoch != epoch {
			return
		}
		r.loading = false
		if err != nil {
			r.logger.Warn("load failed", "error", err)
			r.loadErr = err
			r.initial = types.Snapshot{Type: r.kind}
		} else {
			r.initial = types.SnapshotOf(rule)
			r.kind = rule.Type
			r.parentID = rule.ParentID
			// a write acknowledged after this read started is newer
			if rule.Revision >= r.revision {
				r.position = rule.Position
				r.revision = rule.Revision
			}
		}
		r.current = r.initial.Clone()
		r.setState(Clean)
	})
}

// requestCollapse closes the editor, asking for confirmation when dirty.
func (r *Row) requestCollapse() {
	switch r.state {
	case Collapsed, ConfirmingDiscard, Saving:
		return
	}
	if r.dirty() {
		r.prev = r.state
		r.setState(ConfirmingDiscard)
		return
	}
	r.collapse(true)
}

// collapse resets the row to its loaded snapshot. announce publishes
// ruleView.close so the coordinator drops the session.
func (r *Row) collapse(announce bool) {
	r.epoch++
	r.loading = false
	r.err = nil
	r.current = r.initial.Clone()
	r.setState(Collapsed)
	if announce {
		r.editor.bus.Publish(bus.TopicRuleClose, bus.RuleRef{ID: r.ref()})
	}
}

func (r *Row) confirmDiscard() bool {
	if r.state != ConfirmingDiscard {
		return false
	}
	r.editor.bus.Publish(bus.TopicRuleUnchanged, bus.RuleRef{ID: r.ref()})
	r.editor.coord.discarded("row", 1)
	r.collapse(true)
	return true
}

func (r *Row) cancelDiscard() bool {
	if r.state != ConfirmingDiscard {
		return false
	}
	r.setState(r.prev)
	return true
}

func (r *Row) setField(field types.Field, value any) error {
	switch r.state {
	case Clean, Editing, Dirty, Failed:
	default:
		return ErrNotEditable
	}
	if !r.editor.accept(field, value) {
		return types.Invalid(field.String(), "value %v not accepted", value)
	}
	next, err := r.current.With(field, value)
	if err != nil {
		return err
	}

	wasDirty := r.dirty()
	changed := r.isNew || rules.IsChanged(r.initial, next)
	switch {
	case changed && !wasDirty:
		r.editor.bus.Publish(bus.TopicRuleChange, bus.RuleRef{ID: r.ref()})
	case !changed && wasDirty:
		r.editor.bus.Publish(bus.TopicRuleUnchanged, bus.RuleRef{ID: r.ref()})
	}

	r.current = next
	r.err = nil
	if changed {
		r.setState(Dirty)
	} else {
		r.setState(Clean)
	}
	return nil
}

func (r *Row) canSave() bool {
	return r.dirty() && !r.loading && !r.writing && r.state != ConfirmingDiscard && rules.CanSave(r.current)
}

func (r *Row) save() bool {
	if !r.canSave() {
		return false
	}
	announced := r.ref()
	epoch := r.epoch
	saved := r.current.Clone()
	r.setState(Saving)
	r.writing = true

	var call func(context.Context) (types.Ack, error)
	if r.current.Type == types.RuleTypeValue {
		req := r.valueRequest()
		call = func(ctx context.Context) (types.Ack, error) { return r.editor.gw.SaveValueRule(ctx, req) }
	} else {
		req := r.objectRequest()
		call = func(ctx context.Context) (types.Ack, error) { return r.editor.gw.SaveObjectRule(ctx, req) }
	}

	Await(r.editor.loop, r.editor.ctx, call, func(ack types.Ack, err error) {
		if r.detached {
			return
		}
		r.writing = false
		if r.epoch != epoch {
			// collapsed by ruleView.close or ruleView.discardAll mid-save
			r.settleCollapsed(saved, ack, err)
			return
		}
		if err != nil {
			r.logger.Warn("save failed", "error", err)
			r.err = err
			r.setState(Failed)
			return
		}
		r.acknowledge(saved, ack)

		b := r.editor.bus
		b.Publish(bus.TopicRuleUnchanged, bus.RuleRef{ID: announced})
		r.collapse(false)
		b.Publish(bus.TopicRuleClose, bus.RuleRef{ID: announced})
		b.Publish(bus.TopicReload, bus.Reload(true))
	})
	return true
}

// acknowledge records a successful write of saved.
func (r *Row) acknowledge(saved types.Snapshot, ack types.Ack) {
	if r.isNew {
		r.id = ack.ID
		r.isNew = false
		r.logger = r.editor.logger.With("component", "row", "rule", r.id)
	}
	r.revision = ack.Revision
	r.kind = saved.Type
	r.initial = saved
}

// settleCollapsed handles a save that resolved after its editor was closed.
// The error stays visible on the row; a stored write still triggers reload.
func (r *Row) settleCollapsed(saved types.Snapshot, ack types.Ack, err error) {
	if err != nil {
		r.logger.Warn("save failed after close", "error", err)
		r.err = err
		return
	}
	if r.state == Collapsed {
		r.acknowledge(saved, ack)
		r.current = r.initial.Clone()
	} else if ack.Revision > r.revision {
		r.revision = ack.Revision
	}
	r.editor.bus.Publish(bus.TopicReload, bus.Reload(true))
}

func (r *Row) saveID() types.RuleID {
	if r.isNew {
		return ""
	}
	return r.id
}

func (r *Row) objectRequest() bus.ObjectRuleRequest {
	c := r.current
	return bus.ObjectRuleRequest{
		ID:               r.saveID(),
		ParentID:         r.parentID,
		Type:             c.Type,
		Comment:          types.Str(c.Comment),
		SourceProperty:   types.Str(c.SourceProperty),
		TargetProperty:   types.Str(c.TargetProperty),
		TargetEntityType: append([]string(nil), c.TargetEntityTypes...),
		Pattern:          types.Str(c.Pattern),
		EntityConnection: types.Bool(c.Backward),
		Revision:         r.revision,
	}
}

func (r *Row) valueRequest() bus.ValueRuleRequest {
	c := r.current
	propertyType := types.Str(c.PropertyType)
	if propertyType == "" {
		propertyType = types.DefaultPropertyType
	}
	return bus.ValueRuleRequest{
		ID:             r.saveID(),
		ParentID:       r.parentID,
		Type:           c.Type,
		Comment:        types.Str(c.Comment),
		TargetProperty: types.Str(c.TargetProperty),
		PropertyType:   propertyType,
		SourceProperty: types.Str(c.SourceProperty),
		Revision:       r.revision,
	}
}

func (r *Row) move(dir Direction, count int) bool {
	if r.isNew || r.loading || r.writing || r.detached {
		return false
	}
	req := types.ReorderRequest{
		ID:             r.id,
		ParentID:       r.parentID,
		TargetPosition: ReorderTarget(dir, r.position, count),
	}
	r.writing = true

	Await(r.editor.loop, r.editor.ctx, func(ctx context.Context) (types.Ack, error) {
		return r.editor.gw.ReorderRule(ctx, req)
	}, func(ack types.Ack, err error) {
		if r.detached {
			return
		}
		r.writing = false
		if err != nil {
			r.logger.Warn("reorder failed", "error", err, "pos", req.TargetPosition)
			r.reorderErr = err
			return
		}
		r.reorderErr = nil
		r.position = req.TargetPosition
		if ack.Revision > r.revision {
			r.revision = ack.Revision
		}
		// siblings shifted, their positions are stale
		r.editor.bus.Publish(bus.TopicReload, bus.Reload(true))
	})
	return true
}

func (r *Row) detach() {
	if r.detached {
		return
	}
	if r.dirty() && r.state != Collapsed {
		r.editor.bus.Publish(bus.TopicRuleUnchanged, bus.RuleRef{ID: r.ref()})
	}
	r.detached = true
	r.scope.Close()
	r.editor.forget(r)
}

func (r *Row) view() View {
	s, ok := r.editor.coord.sessions[r.ref()]
	session := types.EditSession{ID: r.ref()}
	if ok {
		session = *s
	}
	return View{
		State:      r.state,
		Session:    session,
		Current:    r.current.Clone(),
		Err:        r.err,
		LoadErr:    r.loadErr,
		ReorderErr: r.reorderErr,
		Loading:    r.loading || r.writing,
		CanSave:    r.canSave(),
		Position:   r.position,
		Revision:   r.revision,
	}
}

// ID returns the rule id, empty until a new rule is saved.
func (r *Row) ID() types.RuleID {
	var id types.RuleID
	r.editor.loop.Do(func() { id = r.saveID() })
	return id
}

// View returns the current render input.
func (r *Row) View() View {
	var v View
	r.editor.loop.Do(func() { v = r.view() })
	return v
}

// Toggle expands a collapsed row and collapses an open one.
func (r *Row) Toggle() (*Confirmation, error) {
	var (
		conf *Confirmation
		err  error
	)
	ok := r.editor.loop.Do(func() {
		if r.state.Expanded() {
			r.requestCollapse()
			return
		}
		conf, err = r.expand()
	})
	if !ok {
		return nil, ErrClosed
	}
	return conf, err
}

// Expand opens the editor. A non-nil Confirmation means another rule is dirty
// and the expand waits for Coordinator.Resolve.
func (r *Row) Expand() (*Confirmation, error) {
	var (
		conf *Confirmation
		err  error
	)
	if !r.editor.loop.Do(func() { conf, err = r.expand() }) {
		return nil, ErrClosed
	}
	return conf, err
}

// Collapse closes the editor. A dirty row enters ConfirmingDiscard instead.
func (r *Row) Collapse() {
	r.editor.loop.Do(r.requestCollapse)
}

// SetField edits one field of the current snapshot.
func (r *Row) SetField(field types.Field, value any) error {
	var err error
	if !r.editor.loop.Do(func() { err = r.setField(field, value) }) {
		return ErrClosed
	}
	return err
}

// Save issues the write. It reports false when saving is disabled.
func (r *Row) Save() bool {
	var ok bool
	r.editor.loop.Do(func() { ok = r.save() })
	return ok
}

// Cancel asks to close the editor; same as Collapse.
func (r *Row) Cancel() {
	r.Collapse()
}

// ConfirmDiscard drops the edits of a row in ConfirmingDiscard.
func (r *Row) ConfirmDiscard() bool {
	var ok bool
	r.editor.loop.Do(func() { ok = r.confirmDiscard() })
	return ok
}

// CancelDiscard keeps editing a row in ConfirmingDiscard.
func (r *Row) CancelDiscard() bool {
	var ok bool
	r.editor.loop.Do(func() { ok = r.cancelDiscard() })
	return ok
}

// Move reorders the rule among count siblings. It reports false while the
// row is busy or not yet saved.
func (r *Row) Move(dir Direction, count int) bool {
	var ok bool
	r.editor.loop.Do(func() { ok = r.move(dir, count) })
	return ok
}

// Navigate focuses the tree on this rule.
func (r *Row) Navigate() (*Confirmation, error) {
	var nav bus.Navigate
	r.editor.loop.Do(func() { nav = bus.Navigate{NewRuleID: r.id, Parent: r.parentID} })
	return r.editor.coord.Navigate(nav)
}

// Detach unsubscribes the row. Completions arriving later are ignored.
func (r *Row) Detach() {
	r.editor.loop.Do(r.detach)
}
