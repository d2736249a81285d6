package bus

import (
	"reflect"
	"sync"

	"github.com/solatis/rulekeeper/internal/types"
)

// Topic names a class of event. The vocabulary is closed.
type Topic string

// Request topics, answered by the rule store through the gateway.
const (
	TopicRuleGet          Topic = "rule.get"
	TopicRuleCreateObject Topic = "rule.createObjectMapping"
	TopicRuleCreateValue  Topic = "rule.createValueMapping"
	TopicRuleOrder        Topic = "rule.orderRule"
)

// View topics, exchanged between rows and the coordinator.
const (
	TopicRuleChange    Topic = "ruleView.change"
	TopicRuleUnchanged Topic = "ruleView.unchanged"
	TopicRuleClose     Topic = "ruleView.close"
	TopicDiscardAll    Topic = "ruleView.discardAll"
	TopicToggle        Topic = "rulesView.toggle"
	TopicNavigate      Topic = "ruleId.change"
	TopicReload        Topic = "reload"
)

// Topics lists the full vocabulary.
var Topics = []Topic{
	TopicRuleGet, TopicRuleCreateObject, TopicRuleCreateValue, TopicRuleOrder,
	TopicRuleChange, TopicRuleUnchanged, TopicRuleClose, TopicDiscardAll,
	TopicToggle, TopicNavigate, TopicReload,
}

// Request reports whether t is answered by the rule store.
func (t Topic) Request() bool {
	switch t {
	case TopicRuleGet, TopicRuleCreateObject, TopicRuleCreateValue, TopicRuleOrder:
		return true
	}
	return false
}

// RuleRef is the payload of ruleView.change, ruleView.unchanged and ruleView.close.
type RuleRef struct {
	ID types.RuleID
}

// Toggle is the payload of rulesView.toggle.
// ID equal to types.BroadcastRuleID applies to every row.
type Toggle struct {
	ID       types.RuleID
	Expanded bool
}

// Matches reports whether the toggle addresses id.
func (t Toggle) Matches(id types.RuleID) bool {
	return t.ID == types.BroadcastRuleID || t.ID == id
}

// Navigate is the payload of ruleId.change.
type Navigate struct {
	NewRuleID types.RuleID
	Parent    types.RuleID
}

// DiscardAll is the payload of ruleView.discardAll.
type DiscardAll struct{}

// Reload is the payload of reload. Always true.
type Reload bool

// GetRuleRequest is the payload of rule.get.
type GetRuleRequest struct {
	ID types.RuleID
}

// ObjectRuleRequest is the payload of rule.createObjectMapping.
// Empty ID creates a new rule under ParentID.
type ObjectRuleRequest struct {
	ID               types.RuleID
	ParentID         types.RuleID
	Type             types.RuleType
	Comment          string
	SourceProperty   string
	TargetProperty   string
	TargetEntityType []string
	Pattern          string
	EntityConnection bool // true: relation points from the child to the parent
	Revision         int64
}

// ValueRuleRequest is the payload of rule.createValueMapping.
type ValueRuleRequest struct {
	ID             types.RuleID
	ParentID       types.RuleID
	Type           types.RuleType
	Comment        string
	TargetProperty string
	PropertyType   string
	SourceProperty string
	Revision       int64
}

// Envelope is one published event.
type Envelope struct {
	Topic   Topic
	Payload any
}

// Recorder taps a set of topics and keeps every event in publish order.
// Useful for debugging and tests; close its scope to stop recording.
type Recorder struct {
	scope *Scope

	mu     sync.Mutex
	events []Envelope
}

// Record subscribes a recorder to topics (all topics when none are given).
func Record(b *Bus, topics ...Topic) *Recorder {
	if len(topics) == 0 {
		topics = Topics
	}
	r := &Recorder{scope: NewScope(b)}
	for _, topic := range topics {
		r.scope.Subscribe(topic, func(payload any) {
			r.mu.Lock()
			r.events = append(r.events, Envelope{Topic: topic, Payload: payload})
			r.mu.Unlock()
		})
	}
	return r
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events matched topic and payload.
func (r *Recorder) Count(topic Topic, payload any) int {
	n := 0
	for _, e := range r.Events() {
		if e.Topic == topic && reflect.DeepEqual(e.Payload, payload) {
			n++
		}
	}
	return n
}

// CountTopic returns how many events were published on topic.
func (r *Recorder) CountTopic(topic Topic) int {
	n := 0
	for _, e := range r.Events() {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Close stops recording.
func (r *Recorder) Close() {
	r.scope.Close()
}
