package script

import (
	"fmt"
	"strings"
)

// condContext is what a trigger condition can look at.
type condContext struct {
	Event  *Event
	Scene  string
	Values map[string]interface{}
	Player map[string]interface{}
}

// evalCondition evaluates a trigger condition. Supported forms:
//   - "" (always true)
//   - "a && b"
//   - "event == 'text_received'"
//   - "scene == 'arrival'"
//   - "<field> == 'v'" and "<field> != 'v'" where field is an event field,
//     values.<key> or player.<key>
func evalCondition(expr string, ctx *condContext) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	if strings.Contains(expr, "&&") {
		parts := strings.SplitN(expr, "&&", 2)
		return evalCondition(parts[0], ctx) && evalCondition(parts[1], ctx)
	}

	negate := false
	op := "=="
	if strings.Contains(expr, "!=") {
		negate = true
		op = "!="
	} else if !strings.Contains(expr, "==") {
		return false
	}

	field, want := parseComparison(expr, op)
	if field == "" {
		return false
	}
	got, ok := lookupField(field, ctx)
	match := ok && strings.EqualFold(got, want)
	if negate {
		return !match
	}
	return match
}

func lookupField(field string, ctx *condContext) (string, bool) {
	switch {
	case field == "event":
		if ctx.Event == nil {
			return "", false
		}
		return ctx.Event.Type, true
	case field == "scene":
		return ctx.Scene, true
	case strings.HasPrefix(field, "values."):
		return stringify(ctx.Values, strings.TrimPrefix(field, "values."))
	case strings.HasPrefix(field, "player."):
		return stringify(ctx.Player, strings.TrimPrefix(field, "player."))
	}
	if ctx.Event == nil {
		return "", false
	}
	return stringify(ctx.Event.Fields, field)
}

func stringify(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), true
	}
	return fmt.Sprint(v), true
}

// parseComparison splits "<field> op '<value>'".
func parseComparison(expr, op string) (string, string) {
	parts := strings.SplitN(expr, op, 2)
	if len(parts) != 2 {
		return "", ""
	}
	field := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
		value = value[1 : len(value)-1]
	}
	return field, value
}
