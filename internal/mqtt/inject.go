package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InjectPayload is a v1 operator inject message.
type InjectPayload struct {
	Version    int                    `json:"version"`
	Event      string                 `json:"event"`
	Fields     map[string]interface{} `json:"fields"`
	PlayerRole string                 `json:"player_role"`
	// Delay postpones the event, e.g. "5m".
	Delay string `json:"delay"`
}

// ParseInject parses an inject payload from JSON bytes.
func ParseInject(data []byte) (*InjectPayload, error) {
	var payload InjectPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid inject JSON: %w", err)
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported inject version: %d", payload.Version)
	}

	if payload.Event == "" {
		return nil, fmt.Errorf("event is required")
	}

	if payload.Delay != "" {
		d, err := time.ParseDuration(payload.Delay)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("delay must not be negative")
		}
	}

	return &payload, nil
}

// DelayDuration returns the parsed delay, or zero.
func (p *InjectPayload) DelayDuration() time.Duration {
	d, _ := time.ParseDuration(p.Delay)
	return d
}

// EventsTopic is where the audit events of a trip are published.
func EventsTopic(prefix, tripID string) string {
	return prefix + "/trips/" + tripID + "/events"
}

// InjectFilter matches the inject topic of every trip.
func InjectFilter(prefix string) string {
	return prefix + "/trips/+/inject"
}

// TripFromInjectTopic extracts the trip id from an inject topic.
func TripFromInjectTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/trips/")
	if !ok {
		return "", false
	}
	tripID, ok := strings.CutSuffix(rest, "/inject")
	if !ok || tripID == "" || strings.Contains(tripID, "/") {
		return "", false
	}
	return tripID, true
}
