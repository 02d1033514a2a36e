package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Org tiers. Maintenance only culls numbers owned by free orgs.
const (
	TierFree = "free"
	TierPaid = "paid"
)

type Org struct {
	ID   string
	Name string
	Tier string
}

type Experience struct {
	ID     string
	OrgID  string
	Title  string
	Domain string
}

// Script is one stored revision of an experience's rules.
type Script struct {
	ID           string
	ExperienceID string
	Revision     int
	Content      string
	IsActive     bool
}

// Trip is one live instance of a script.
type Trip struct {
	ID           string
	OrgID        string
	ExperienceID string
	ScriptID     string
	GroupID      string
	Title        string
	CurrentScene string
	Values       map[string]interface{}
	// Schedule holds named timestamps the script's time triggers refer to.
	Schedule map[string]time.Time
	// History maps a fired trigger name to when it fired.
	History map[string]time.Time
	// LastScheduledAt is the watermark up to which time triggers have been
	// materialised into the actions table. It never moves backwards.
	LastScheduledAt *time.Time
	IsArchived      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone copies the trip deeply enough for the kernel to stage changes on it.
func (t *Trip) Clone() *Trip {
	c := *t
	c.Values = make(map[string]interface{}, len(t.Values))
	for k, v := range t.Values {
		c.Values[k] = v
	}
	c.Schedule = make(map[string]time.Time, len(t.Schedule))
	for k, v := range t.Schedule {
		c.Schedule[k] = v
	}
	c.History = make(map[string]time.Time, len(t.History))
	for k, v := range t.History {
		c.History[k] = v
	}
	return &c
}

// Player binds a script role to a real participant within one trip.
type Player struct {
	ID          string
	TripID      string
	RoleName    string
	Name        string
	PhoneNumber string
	Values      map[string]interface{}
}

// ActionType tags a scheduled action row.
type ActionType string

const (
	ActionTypeAction  ActionType = "action"
	ActionTypeEvent   ActionType = "event"
	ActionTypeTrigger ActionType = "trigger"
)

// ScheduledAction is a unit of future work. Exactly one of AppliedAt and
// FailedAt is set once the runner has processed it.
type ScheduledAction struct {
	ID                 int64
	OrgID              string
	TripID             string
	Type               ActionType
	Name               string
	Params             map[string]interface{}
	Event              map[string]interface{}
	TriggeringPlayerID *string
	ScheduledAt        time.Time
	CreatedAt          time.Time
	AppliedAt          *time.Time
	FailedAt           *time.Time
	Failure            string
	IsArchived         bool
}

// IsPending reports whether the runner has yet to process the row.
func (a *ScheduledAction) IsPending() bool {
	return a.AppliedAt == nil && a.FailedAt == nil
}

// Relay is a leased number masking WithRole from ForRole, presenting as
// AsRole. An empty ForPhoneNumber answers any participant.
type Relay struct {
	ID                 string
	Stage              string
	OrgID              string
	ExperienceID       string
	TripID             string
	ForRoleName        string
	WithRoleName       string
	AsRoleName         string
	ForPhoneNumber     string
	RelayPhoneNumber   string
	MessagingServiceID string
	LastActiveAt       *time.Time
	IsActive           bool
	CreatedAt          time.Time
}

// RelayKey identifies at most one relay per stage.
type RelayKey struct {
	Stage          string
	TripID         string
	ForRoleName    string
	WithRoleName   string
	AsRoleName     string
	ForPhoneNumber string
}

// Key returns the uniqueness tuple of the relay.
func (r *Relay) Key() RelayKey {
	return RelayKey{
		Stage:          r.Stage,
		TripID:         r.TripID,
		ForRoleName:    r.ForRoleName,
		WithRoleName:   r.WithRoleName,
		AsRoleName:     r.AsRoleName,
		ForPhoneNumber: r.ForPhoneNumber,
	}
}

// RelayService is one leased number in the assignment pool. An empty OrgID
// marks a shared number.
type RelayService struct {
	ID          string
	Stage       string
	OrgID       string
	PhoneNumber string
	ServiceSID  string
	IsActive    bool
}

// RelayEntryway binds a pool number to an experience's entry point. A
// stranger texting the number becomes RoleName in a new trip, talking to
// AsRoleName.
type RelayEntryway struct {
	ID             string
	OrgID          string
	ExperienceID   string
	RelayServiceID string
	RoleName       string
	AsRoleName     string
	Welcome        string
	Keyword        string
}

// LogEntry is one row of a trip's audit log.
type LogEntry struct {
	ID        int64
	Timestamp time.Time
	TripID    string
	Level     string
	Event     string
	Message   string
	Fields    map[string]interface{}
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return nil
}
