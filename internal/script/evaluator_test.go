package script

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SentientTrips/internal/storage"
)

const testScript = `
version: 1
schedule:
  departure: 2h
scenes:
  - name: arrival
    on_enter:
      - set_values: {mood: curious}
      - send_message: {to: Traveler, as: Guide, body: "Welcome aboard."}
  - name: finale
triggers:
  - name: wake_up
    scene: arrival
    at: {schedule: departure, offset: -30m}
    steps:
      - initiate_call: {to: Traveler, as: Guide, detect_voicemail: true}
  - name: answer_yes
    scene: arrival
    event: text_received
    if: "body == 'yes' && values.mood == 'curious'"
    steps:
      - start_scene: finale
      - log: "traveler agreed"
  - name: greet_call
    event: call_received
    repeatable: true
    steps:
      - gather: {clip: intro, say: "Who is this?", partial: true, hints: "friend,stranger"}
  - name: answer_clip
    event: clip_answered
    steps:
      - say: {text: "Noted.", voice: alice}
      - hangup
      - schedule: {trigger: wake_up, after: 10m}
`

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	created := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	return &Snapshot{
		Trip: &storage.Trip{
			ID:        "trip-1",
			Values:    map[string]interface{}{},
			History:   map[string]time.Time{},
			CreatedAt: created,
		},
		Script: &storage.Script{ID: "script-1", Revision: 1, Content: testScript},
		At:     created.Add(time.Minute),
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"version":         "version: 2",
		"duplicate scene": "version: 1\nscenes: [{name: a}, {name: a}]",
		"unknown scene":   "version: 1\ntriggers: [{name: t, scene: nope, event: x}]",
		"no at or event":  "version: 1\ntriggers: [{name: t}]",
		"bad offset":      "version: 1\ntriggers: [{name: t, at: {schedule: s, offset: soon}}]",
		"bad schedule":    "version: 1\nschedule: {s: tomorrow}",
		"multi-key step":  "version: 1\nscenes: [{name: a, on_enter: [{say: hi, play: x}]}]",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestStartSceneRunsOnEnter(t *testing.T) {
	r := NewRules()
	snap := testSnapshot(t)

	first, err := r.FirstScene(snap)
	require.NoError(t, err)
	assert.Equal(t, "arrival", first)

	res, err := r.ResultForAction(snap, Action{Name: StartSceneAction, Params: map[string]interface{}{"scene_name": first}})
	require.NoError(t, err)
	require.Len(t, res.Ops, 3)
	assert.Equal(t, SetScene{Name: "arrival"}, res.Ops[0])
	assert.Equal(t, SetValues{Values: map[string]interface{}{"mood": "curious"}}, res.Ops[1])
	assert.Equal(t, SendMessage{ToRole: "Traveler", AsRole: "Guide", Body: "Welcome aboard."}, res.Ops[2])
}

func TestUnknownActionFails(t *testing.T) {
	r := NewRules()
	_, err := r.ResultForAction(testSnapshot(t), Action{Name: "teleport"})
	assert.ErrorContains(t, err, "unknown action")

	_, err = r.ResultForAction(testSnapshot(t), Action{Name: StartSceneAction,
		Params: map[string]interface{}{"scene_name": "nowhere"}})
	assert.ErrorContains(t, err, "unknown scene")
}

func TestEventTriggerRespectsSceneAndCondition(t *testing.T) {
	r := NewRules()
	snap := testSnapshot(t)
	yes := Event{Type: "text_received", Fields: map[string]interface{}{"body": " YES "}}

	// Not in the trigger's scene yet.
	res, err := r.ResultForEvent(snap, yes)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	snap.Trip.CurrentScene = "arrival"
	snap.Trip.Values["mood"] = "curious"
	res, err = r.ResultForEvent(snap, Event{Type: "text_received", Fields: map[string]interface{}{"body": "no"}})
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = r.ResultForEvent(snap, yes)
	require.NoError(t, err)
	require.Len(t, res.Ops, 3)
	assert.Equal(t, RecordTrigger{Name: "answer_yes"}, res.Ops[0])
	assert.Equal(t, SetScene{Name: "finale"}, res.Ops[1])
	assert.Equal(t, Log{Level: "info", Message: "traveler agreed"}, res.Ops[2])

	snap.Trip.History["answer_yes"] = snap.At
	res, err = r.ResultForEvent(snap, yes)
	require.NoError(t, err)
	assert.True(t, res.Empty(), "non-repeatable trigger fires once")
}

func TestRepeatableTriggerProducesGather(t *testing.T) {
	r := NewRules()
	snap := testSnapshot(t)
	snap.Trip.History["greet_call"] = snap.At

	res, err := r.ResultForEvent(snap, Event{Type: "call_received"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 2)
	cc, ok := res.Ops[1].(CallControl)
	require.True(t, ok)
	assert.Equal(t, Gather{
		ClipName: "intro",
		Prompt:   Say{Text: "Who is this?"},
		Hints:    "friend,stranger",
		Partial:  true,
	}, cc.Clause)
}

func TestClipAnsweredSchedulesFollowup(t *testing.T) {
	r := NewRules()
	snap := testSnapshot(t)

	res, err := r.ResultForEvent(snap, Event{Type: "clip_answered"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 3)
	assert.Equal(t, CallControl{Clause: Say{Text: "Noted.", Voice: "alice"}}, res.Ops[1])
	assert.Equal(t, CallControl{Clause: Hangup{}}, res.Ops[2])
	require.Len(t, res.Scheduled, 1)
	assert.Equal(t, storage.ActionTypeTrigger, res.Scheduled[0].Type)
	assert.Equal(t, "wake_up", res.Scheduled[0].Name)
	assert.True(t, res.Scheduled[0].At.Equal(snap.At.Add(10*time.Minute)))
}

func TestTimedTriggersUseTripScheduleOverDefaults(t *testing.T) {
	r := NewRules()
	snap := testSnapshot(t)

	timed, err := r.TimedTriggers(snap)
	require.NoError(t, err)
	require.Len(t, timed, 1)
	assert.Equal(t, "wake_up", timed[0].Name)
	assert.True(t, timed[0].At.Equal(snap.Trip.CreatedAt.Add(90*time.Minute)))

	departure := time.Date(2026, 1, 3, 8, 0, 0, 0, time.UTC)
	snap.Trip.Schedule = map[string]time.Time{"departure": departure}
	timed, err = r.TimedTriggers(snap)
	require.NoError(t, err)
	require.Len(t, timed, 1)
	assert.True(t, timed[0].At.Equal(departure.Add(-30*time.Minute)))
}

func TestTriggerOutsideSceneIsEmpty(t *testing.T) {
	r := NewRules()
	snap := testSnapshot(t)
	snap.Trip.CurrentScene = "finale"

	res, err := r.ResultForTrigger(snap, "wake_up", nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	_, err = r.ResultForTrigger(snap, "missing", nil)
	assert.Error(t, err)
}

func TestEventEncodingRoundTrip(t *testing.T) {
	e := &Event{Type: "text_received", Fields: map[string]interface{}{"body": "hi"}}
	assert.Equal(t, e, DecodeEvent(EncodeEvent(e)))
	assert.Nil(t, DecodeEvent(nil))
	assert.Nil(t, EncodeEvent(nil))
}
