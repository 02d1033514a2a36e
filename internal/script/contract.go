// Package script defines what the engine exchanges with a rules evaluator:
// the payloads a scheduled row can carry, the operations an evaluation
// returns, and the call-control clauses those operations may contain. It
// also ships Rules, a small YAML evaluator.
package script

import (
	"time"

	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// Payload is the typed body of a scheduled row: Action, Event or Trigger.
type Payload interface {
	isPayload()
}

// Action is a named operation with parameters, e.g. start_scene.
type Action struct {
	Name   string
	Params map[string]interface{}
}

// Event is something that happened to the trip, e.g. text_received.
type Event struct {
	Type   string
	Fields map[string]interface{}
}

// Trigger fires a named script trigger, optionally with the event that
// caused it.
type Trigger struct {
	Name  string
	Event *Event
}

func (Action) isPayload()  {}
func (Event) isPayload()   {}
func (Trigger) isPayload() {}

// Field returns the event field as a string, or "".
func (e *Event) Field(name string) string {
	if e == nil || e.Fields == nil {
		return ""
	}
	if s, ok := e.Fields[name].(string); ok {
		return s
	}
	return ""
}

// Op is one result operation. The set is closed.
type Op interface {
	isOp()
}

// SetScene moves the trip to another scene.
type SetScene struct {
	Name string
}

// SetValues merges keys into the trip's value bag.
type SetValues struct {
	Values map[string]interface{}
}

// RecordTrigger marks a trigger as fired in the trip history.
type RecordTrigger struct {
	Name string
}

// UpdatePlayer merges keys into one player's value bag.
type UpdatePlayer struct {
	Role   string
	Values map[string]interface{}
}

// SendMessage texts ToRole through the relay presenting AsRole. WithRole
// defaults to AsRole.
type SendMessage struct {
	ToRole   string
	AsRole   string
	WithRole string
	Body     string
	MediaURL string
}

// InitiateCall places an outbound call to ToRole from the AsRole relay.
type InitiateCall struct {
	ToRole          string
	AsRole          string
	WithRole        string
	DetectVoicemail bool
}

// CallControl carries one clause for the call in progress.
type CallControl struct {
	Clause Clause
}

// Log writes a line to the trip audit log.
type Log struct {
	Level   string
	Message string
}

func (SetScene) isOp()      {}
func (SetValues) isOp()     {}
func (RecordTrigger) isOp() {}
func (UpdatePlayer) isOp()  {}
func (SendMessage) isOp()   {}
func (InitiateCall) isOp()  {}
func (CallControl) isOp()   {}
func (Log) isOp()           {}

// Clause is a call-control instruction. The set is closed.
type Clause interface {
	isClause()
}

type Say struct {
	Text  string
	Voice string
}

type Play struct {
	URL string
}

// Dial connects the caller to ToRole through the opposite relay. An empty
// ToRole dials the relay's counterpart role.
type Dial struct {
	ToRole string
}

// Gather plays Prompt and collects a spoken or keyed response for ClipName.
// Partial requests live transcription callbacks.
type Gather struct {
	ClipName string
	Prompt   Clause
	Hints    string
	Partial  bool
	Timeout  int
}

type Hangup struct{}

func (Say) isClause()    {}
func (Play) isClause()   {}
func (Dial) isClause()   {}
func (Gather) isClause() {}
func (Hangup) isClause() {}

// Followup is future work an evaluation asks to schedule.
type Followup struct {
	Type   storage.ActionType
	Name   string
	Params map[string]interface{}
	Event  *Event
	At     time.Time
}

// Result is the output of one evaluation.
type Result struct {
	Ops       []Op
	Scheduled []Followup
}

// Empty reports whether the evaluation produced nothing.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Ops) == 0 && len(r.Scheduled) == 0)
}

// Snapshot is the immutable view of a trip an evaluation runs against.
type Snapshot struct {
	Trip       *storage.Trip
	Script     *storage.Script
	Experience *storage.Experience
	Org        *storage.Org
	Players    []storage.Player
	// Player is the participant whose input caused the evaluation, if any.
	Player *storage.Player
	At     time.Time
}

// PlayerByRole returns the snapshot's player for role, or nil.
func (s *Snapshot) PlayerByRole(role string) *storage.Player {
	for i := range s.Players {
		if s.Players[i].RoleName == role {
			return &s.Players[i]
		}
	}
	return nil
}

// TimedTrigger is a trigger with an intended fire time.
type TimedTrigger struct {
	Name string
	At   time.Time
}

// Evaluator decides what a trip does next. Implementations must not write
// anything; the kernel applies their results.
type Evaluator interface {
	ResultForAction(snap *Snapshot, action Action) (*Result, error)
	ResultForEvent(snap *Snapshot, event Event) (*Result, error)
	ResultForTrigger(snap *Snapshot, name string, event *Event) (*Result, error)
	// TimedTriggers lists every time trigger whose time can be computed.
	TimedTriggers(snap *Snapshot) ([]TimedTrigger, error)
	// FirstScene names the scene a new trip starts in, or "".
	FirstScene(snap *Snapshot) (string, error)
}

// EncodeEvent flattens an event for the actions.event column.
func EncodeEvent(e *Event) map[string]interface{} {
	if e == nil {
		return nil
	}
	m := map[string]interface{}{"type": e.Type}
	if len(e.Fields) > 0 {
		m["fields"] = e.Fields
	}
	return m
}

// DecodeEvent reverses EncodeEvent. It returns nil for an empty column.
func DecodeEvent(m map[string]interface{}) *Event {
	if len(m) == 0 {
		return nil
	}
	e := &Event{}
	e.Type, _ = m["type"].(string)
	if fields, ok := m["fields"].(map[string]interface{}); ok {
		e.Fields = fields
	}
	return e
}
