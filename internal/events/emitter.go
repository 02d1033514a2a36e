package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Sink persists audit events. storage.Client implements it to append to the
// trip audit log.
type Sink interface {
	AppendLogEntry(ts time.Time, tripID, level, event, msg string, fields map[string]interface{}) error
}

var buffer = NewRingBuffer(256)

var (
	sink            Sink
	sinkMu          sync.RWMutex
	sinkErrorLogged bool
)

// SetSink sets the persistence target for emitted events. nil disables it.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkErrorLogged = false
	sinkMu.Unlock()
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	TripID    string                 `json:"trip_id,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Emit records a process-wide event that is not tied to a trip.
func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	return EmitTrip("", level, name, msg, fields)
}

// EmitTrip records an event in the audit log of tripID.
func EmitTrip(tripID, level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		TripID:    tripID,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	broadcast(e)

	sinkMu.RLock()
	s := sink
	errorLogged := sinkErrorLogged
	sinkMu.RUnlock()

	if s != nil {
		if err := s.AppendLogEntry(ts, tripID, level, name, msg, fields); err != nil && !errorLogged {
			// Straight into the buffer: going through EmitTrip again would
			// recurse while the sink keeps failing.
			sinkMu.Lock()
			if !sinkErrorLogged {
				sinkErrorLogged = true
				buffer.Add(Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "audit log append failed",
					Fields:    map[string]interface{}{"error": err.Error()},
				})
			}
			sinkMu.Unlock()
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return b, nil
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// ForTrip returns the buffered events of one trip.
func ForTrip(tripID string) []Event {
	return buffer.ForTrip(tripID)
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
