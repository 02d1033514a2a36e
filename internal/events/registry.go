package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// scheduler
	"scheduler.pass":        {},
	"scheduler.scheduled":   {},
	"scheduler.trip_failed": {},

	// runner
	"runner.pass":           {},
	"runner.action_applied": {},
	"runner.action_failed":  {},
	"runner.mark_conflict":  {},

	// kernel
	"action.applied": {},
	"event.applied":  {},
	"trigger.fired":  {},
	"trip.log":       {},

	// relay
	"relay.created":       {},
	"relay.welcome_sent":  {},
	"relay.guard_blocked": {},
	"relay.no_player":     {},

	// telephony
	"telephony.message_sent":   {},
	"telephony.call_initiated": {},
	"telephony.warning":        {},
	"telephony.error":          {},

	// call control
	"call.received":    {},
	"call.answered":    {},
	"call.response":    {},
	"call.interrupted": {},
	"call.ended":       {},
	"call.dial_failed": {},
	"call.unrouted":    {},

	// messages
	"message.received": {},
	"message.unrouted": {},

	// entryway
	"entryway.trip_created": {},

	// maintenance
	"maintenance.plan":     {},
	"maintenance.decision": {},
	"maintenance.skipped":  {},
	"maintenance.executed": {},

	// loop
	"loop.started": {},
	"loop.skipped": {},
	"loop.stopped": {},
	"loop.error":   {},

	// operator
	"operator.inject": {},

	// HTTP surface
	"webhook.rejected": {},
	"webhook.error":    {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
