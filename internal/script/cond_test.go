package script

import "testing"

func TestEvalCondition(t *testing.T) {
	ctx := &condContext{
		Event:  &Event{Type: "call_answered", Fields: map[string]interface{}{"answered_by": "machine", "digits": 3}},
		Scene:  "arrival",
		Values: map[string]interface{}{"mood": "curious"},
		Player: map[string]interface{}{"vip": true},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"event == 'call_answered'", true},
		{"event == 'call_ended'", false},
		{"answered_by == 'machine'", true},
		{"answered_by != 'machine'", false},
		{"answered_by != 'human'", true},
		{"digits == '3'", true},
		{"scene == 'arrival' && values.mood == 'curious'", true},
		{"scene == 'arrival' && values.mood == 'bored'", false},
		{"player.vip == 'true'", true},
		{"values.missing == ''", false},
		{"values.missing != 'x'", true},
		{"gibberish", false},
	}
	for _, tt := range tests {
		if got := evalCondition(tt.expr, ctx); got != tt.want {
			t.Errorf("evalCondition(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalConditionWithoutEvent(t *testing.T) {
	ctx := &condContext{Scene: "arrival"}
	if evalCondition("event == 'x'", ctx) {
		t.Error("event comparison without an event should be false")
	}
	if evalCondition("body == 'x'", ctx) {
		t.Error("field comparison without an event should be false")
	}
}
