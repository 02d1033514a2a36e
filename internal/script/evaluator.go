package script

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// StartSceneAction is the action the scheduler queues for a trip that has
// never run.
const StartSceneAction = "start_scene"

// maxSceneDepth bounds start_scene chains inside on_enter steps.
const maxSceneDepth = 8

// Rules evaluates YAML script documents. Parsed documents are cached per
// script revision.
type Rules struct {
	mu   sync.Mutex
	docs map[string]*Document
}

var _ Evaluator = (*Rules)(nil)

func NewRules() *Rules {
	return &Rules{docs: make(map[string]*Document)}
}

func (r *Rules) document(snap *Snapshot) (*Document, error) {
	if snap.Script == nil {
		return nil, fmt.Errorf("trip %s has no script", snap.Trip.ID)
	}
	key := snap.Script.ID + ":" + strconv.Itoa(snap.Script.Revision)

	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[key]; ok {
		return doc, nil
	}
	doc, err := Parse([]byte(snap.Script.Content))
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", snap.Script.ID, err)
	}
	r.docs[key] = doc
	return doc, nil
}

func (r *Rules) ResultForAction(snap *Snapshot, action Action) (*Result, error) {
	doc, err := r.document(snap)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if err := doc.applyStep(snap, Step{Name: action.Name, Params: action.Params}, res, 0); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Rules) ResultForEvent(snap *Snapshot, event Event) (*Result, error) {
	doc, err := r.document(snap)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for i := range doc.Triggers {
		tr := &doc.Triggers[i]
		if tr.Event != event.Type || !tr.active(snap) {
			continue
		}
		if !evalCondition(tr.If, conditionContext(snap, &event)) {
			continue
		}
		if err := doc.fire(snap, tr, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *Rules) ResultForTrigger(snap *Snapshot, name string, event *Event) (*Result, error) {
	doc, err := r.document(snap)
	if err != nil {
		return nil, err
	}
	tr := doc.trigger(name)
	if tr == nil {
		return nil, fmt.Errorf("unknown trigger %q", name)
	}
	res := &Result{}
	if !tr.active(snap) {
		return res, nil
	}
	if err := doc.fire(snap, tr, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Rules) TimedTriggers(snap *Snapshot) ([]TimedTrigger, error) {
	doc, err := r.document(snap)
	if err != nil {
		return nil, err
	}
	var timed []TimedTrigger
	for _, tr := range doc.Triggers {
		if tr.At == nil {
			continue
		}
		base, ok := doc.scheduleTime(snap.Trip, tr.At.Schedule)
		if !ok {
			continue
		}
		if tr.At.Offset != "" {
			offset, _ := time.ParseDuration(tr.At.Offset)
			base = base.Add(offset)
		}
		timed = append(timed, TimedTrigger{Name: tr.Name, At: base})
	}
	return timed, nil
}

func (r *Rules) FirstScene(snap *Snapshot) (string, error) {
	doc, err := r.document(snap)
	if err != nil {
		return "", err
	}
	if len(doc.Scenes) == 0 {
		return "", nil
	}
	return doc.Scenes[0].Name, nil
}

// active reports whether the trigger may fire in the trip's current state.
func (tr *TriggerDef) active(snap *Snapshot) bool {
	if tr.Scene != "" && tr.Scene != snap.Trip.CurrentScene {
		return false
	}
	if _, fired := snap.Trip.History[tr.Name]; fired && !tr.Repeatable {
		return false
	}
	return true
}

func (d *Document) fire(snap *Snapshot, tr *TriggerDef, res *Result) error {
	res.Ops = append(res.Ops, RecordTrigger{Name: tr.Name})
	for _, step := range tr.Steps {
		if err := d.applyStep(snap, step, res, 0); err != nil {
			return fmt.Errorf("trigger %q: %w", tr.Name, err)
		}
	}
	return nil
}

func (d *Document) scheduleTime(trip *storage.Trip, key string) (time.Time, bool) {
	if t, ok := trip.Schedule[key]; ok {
		return t, true
	}
	if offset, ok := d.Schedule[key]; ok {
		dur, err := time.ParseDuration(offset)
		if err != nil {
			return time.Time{}, false
		}
		return trip.CreatedAt.Add(dur), true
	}
	return time.Time{}, false
}

func conditionContext(snap *Snapshot, event *Event) *condContext {
	ctx := &condContext{Event: event, Scene: snap.Trip.CurrentScene, Values: snap.Trip.Values}
	if snap.Player != nil {
		ctx.Player = snap.Player.Values
	}
	return ctx
}

func (d *Document) applyStep(snap *Snapshot, step Step, res *Result, depth int) error {
	p := step.Params
	switch step.Name {
	case StartSceneAction:
		name := param(p, "scene_name", "value")
		sc := d.scene(name)
		if sc == nil {
			return fmt.Errorf("unknown scene %q", name)
		}
		if depth >= maxSceneDepth {
			return fmt.Errorf("scene %q: start_scene nested too deep", name)
		}
		res.Ops = append(res.Ops, SetScene{Name: name})
		for _, inner := range sc.OnEnter {
			if err := d.applyStep(snap, inner, res, depth+1); err != nil {
				return fmt.Errorf("scene %q: %w", name, err)
			}
		}
	case "set_values":
		res.Ops = append(res.Ops, SetValues{Values: copyParams(p)})
	case "update_player":
		values := copyParams(p)
		delete(values, "role")
		res.Ops = append(res.Ops, UpdatePlayer{Role: param(p, "role"), Values: values})
	case "send_message", "send_text":
		res.Ops = append(res.Ops, SendMessage{
			ToRole:   param(p, "to"),
			AsRole:   param(p, "as"),
			WithRole: param(p, "with"),
			Body:     param(p, "body", "value"),
			MediaURL: param(p, "media"),
		})
	case "initiate_call":
		res.Ops = append(res.Ops, InitiateCall{
			ToRole:          param(p, "to"),
			AsRole:          param(p, "as"),
			WithRole:        param(p, "with"),
			DetectVoicemail: boolParam(p, "detect_voicemail"),
		})
	case "say", "play", "dial", "hangup", "gather":
		clause, err := clauseFromStep(step)
		if err != nil {
			return err
		}
		res.Ops = append(res.Ops, CallControl{Clause: clause})
	case "log":
		level := param(p, "level")
		if level == "" {
			level = "info"
		}
		res.Ops = append(res.Ops, Log{Level: level, Message: param(p, "message", "value")})
	case "schedule":
		f, err := followupFromParams(snap, p)
		if err != nil {
			return err
		}
		res.Scheduled = append(res.Scheduled, f)
	default:
		return fmt.Errorf("unknown action %q", step.Name)
	}
	return nil
}

func clauseFromStep(step Step) (Clause, error) {
	p := step.Params
	switch step.Name {
	case "say":
		return Say{Text: param(p, "text", "value"), Voice: param(p, "voice")}, nil
	case "play":
		return Play{URL: param(p, "url", "value")}, nil
	case "dial":
		return Dial{ToRole: param(p, "to", "value")}, nil
	case "hangup":
		return Hangup{}, nil
	case "gather":
		g := Gather{
			ClipName: param(p, "clip"),
			Hints:    param(p, "hints"),
			Partial:  boolParam(p, "partial"),
		}
		if g.ClipName == "" {
			return nil, fmt.Errorf("gather needs a clip name")
		}
		if n, err := strconv.Atoi(param(p, "timeout")); err == nil {
			g.Timeout = n
		}
		switch {
		case param(p, "say") != "":
			g.Prompt = Say{Text: param(p, "say"), Voice: param(p, "voice")}
		case param(p, "play") != "":
			g.Prompt = Play{URL: param(p, "play")}
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown clause %q", step.Name)
}

func followupFromParams(snap *Snapshot, p map[string]interface{}) (Followup, error) {
	f := Followup{At: snap.At}
	if after := param(p, "after"); after != "" {
		d, err := time.ParseDuration(after)
		if err != nil {
			return Followup{}, fmt.Errorf("schedule after: %w", err)
		}
		f.At = snap.At.Add(d)
	}
	if params, ok := p["params"].(map[string]interface{}); ok {
		f.Params = params
	}
	switch {
	case param(p, "action") != "":
		f.Type, f.Name = storage.ActionTypeAction, param(p, "action")
	case param(p, "event") != "":
		f.Type, f.Name = storage.ActionTypeEvent, param(p, "event")
		f.Event = &Event{Type: f.Name, Fields: f.Params}
	case param(p, "trigger") != "":
		f.Type, f.Name = storage.ActionTypeTrigger, param(p, "trigger")
	default:
		return Followup{}, fmt.Errorf("schedule needs action, event or trigger")
	}
	return f, nil
}

// param returns the first non-empty of the named keys as a string.
func param(p map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				if s != "" {
					return s
				}
				continue
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

func boolParam(p map[string]interface{}, key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func copyParams(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
