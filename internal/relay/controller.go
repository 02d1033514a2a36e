package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/alerts"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

// Webhook paths the carrier calls back on.
const (
	PathIncomingCall       = "/webhooks/calls/incoming"
	PathIncomingCallStatus = "/webhooks/calls/incoming/status"
	PathOutgoingCall       = "/webhooks/calls/outgoing"
	PathCallResponse       = "/webhooks/calls/response"
	PathCallStatus         = "/webhooks/calls/status"
	PathCallInterrupt      = "/webhooks/calls/interrupt"
	PathIncomingMessage    = "/webhooks/messages/incoming"
)

// Controller sends messages and places calls through relays.
type Controller struct {
	store    *storage.Client
	dir      *Directory
	provider telephony.Provider
	guard    *telephony.Guard
	reporter alerts.Reporter
	baseURL  string
	now      func() time.Time
}

// NewController wires a controller. baseURL is the public URL the carrier
// reaches the webhook server on. reporter may be nil.
func NewController(store *storage.Client, dir *Directory, provider telephony.Provider,
	guard *telephony.Guard, reporter alerts.Reporter, baseURL string) *Controller {
	return &Controller{
		store:    store,
		dir:      dir,
		provider: provider,
		guard:    guard,
		reporter: reporter,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
	}
}

// Directory returns the relay directory the controller uses.
func (c *Controller) Directory() *Directory {
	return c.dir
}

// CallbackURL builds a webhook URL carrying correlation parameters.
func (c *Controller) CallbackURL(path string, params url.Values) string {
	if len(params) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + params.Encode()
}

// EnsureRelay finds or creates the relay for spec. A newly created relay
// bound to a participant number sends one welcome message; welcome ""
// uses the default text.
func (c *Controller) EnsureRelay(ctx context.Context, trip *storage.Trip, spec Spec, welcome string) (*storage.Relay, error) {
	r, created, err := c.dir.EnsureRelay(ctx, spec)
	if err != nil {
		return nil, err
	}
	return c.welcome(ctx, trip, r, created, welcome)
}

// EnsureRelayOn is EnsureRelay on a fixed pool number.
func (c *Controller) EnsureRelayOn(ctx context.Context, trip *storage.Trip, spec Spec,
	svc *storage.RelayService, welcome string) (*storage.Relay, error) {
	r, created, err := c.dir.EnsureRelayOn(ctx, spec, svc)
	if err != nil {
		return nil, err
	}
	return c.welcome(ctx, trip, r, created, welcome)
}

func (c *Controller) welcome(ctx context.Context, trip *storage.Trip, r *storage.Relay, created bool, welcome string) (*storage.Relay, error) {
	if !created {
		return r, nil
	}

	events.EmitTrip(trip.ID, "info", "relay.created", "", map[string]interface{}{
		"relay_id":     r.ID,
		"for_role":     r.ForRoleName,
		"as_role":      r.AsRoleName,
		"relay_number": r.RelayPhoneNumber,
	})

	if r.ForPhoneNumber == "" {
		return r, nil
	}
	if welcome == "" {
		welcome = c.defaultWelcome(ctx, trip)
	}
	if err := c.SendMessage(ctx, r, trip, welcome, ""); err != nil {
		return nil, fmt.Errorf("welcome message: %w", err)
	}
	events.EmitTrip(trip.ID, "info", "relay.welcome_sent", "", map[string]interface{}{"relay_id": r.ID})
	return r, nil
}

func (c *Controller) defaultWelcome(ctx context.Context, trip *storage.Trip) string {
	title := trip.Title
	if exp, err := c.store.GetExperience(ctx, trip.ExperienceID); err == nil && exp.Title != "" {
		title = exp.Title
	}
	return fmt.Sprintf("Welcome to %s! Reply STOP at any time to opt out.", title)
}

// destination resolves the participant a relay currently reaches.
func (c *Controller) destination(ctx context.Context, r *storage.Relay, trip *storage.Trip) (*storage.Player, bool, error) {
	p, err := c.store.FindPlayerByRole(ctx, trip.ID, r.ForRoleName)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && p.PhoneNumber == "") {
		events.EmitTrip(trip.ID, "warn", "relay.no_player", "no phone number for role", map[string]interface{}{
			"relay_id": r.ID,
			"role":     r.ForRoleName,
		})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find player: %w", err)
	}
	return p, true, nil
}

// guarded reports whether the environment guard blocks number.
func (c *Controller) guarded(trip *storage.Trip, r *storage.Relay, number, kind string) bool {
	if c.guard.Allows(number) {
		return false
	}
	events.EmitTrip(trip.ID, "info", "relay.guard_blocked", "number not in test allow-list", map[string]interface{}{
		"relay_id": r.ID,
		"kind":     kind,
	})
	return true
}

// SendMessage texts the relay's participant as the relay's role. A missing
// participant and a guard rejection are no-ops.
func (c *Controller) SendMessage(ctx context.Context, r *storage.Relay, trip *storage.Trip, body, mediaURL string) error {
	player, ok, err := c.destination(ctx, r, trip)
	if err != nil || !ok {
		return err
	}
	if c.guarded(trip, r, player.PhoneNumber, "message") {
		return nil
	}

	sid, err := c.provider.SendMessage(ctx, telephony.MessageRequest{
		From:       r.RelayPhoneNumber,
		To:         player.PhoneNumber,
		Body:       body,
		MediaURL:   mediaURL,
		ServiceSID: r.MessagingServiceID,
	})
	if err != nil {
		return c.providerFailure(trip, r, "message", err)
	}

	if err := c.store.TouchRelay(ctx, r.ID, c.now().UTC()); err != nil {
		return fmt.Errorf("touch relay: %w", err)
	}
	events.EmitTrip(trip.ID, "info", "telephony.message_sent", "", map[string]interface{}{
		"relay_id": r.ID,
		"sid":      sid,
		"as_role":  r.AsRoleName,
		"to_role":  r.ForRoleName,
	})
	return nil
}

// InitiateCall calls the relay's participant. The pickup and status
// callbacks carry the trip and relay ids.
func (c *Controller) InitiateCall(ctx context.Context, r *storage.Relay, trip *storage.Trip, detectVoicemail bool) error {
	player, ok, err := c.destination(ctx, r, trip)
	if err != nil || !ok {
		return err
	}
	if c.guarded(trip, r, player.PhoneNumber, "call") {
		return nil
	}

	correlation := url.Values{"trip": {trip.ID}, "relay": {r.ID}}
	sid, err := c.provider.CreateCall(ctx, telephony.CallRequest{
		From:           r.RelayPhoneNumber,
		To:             player.PhoneNumber,
		URL:            c.CallbackURL(PathOutgoingCall, correlation),
		StatusCallback: c.CallbackURL(PathCallStatus, correlation),
		DetectMachine:  detectVoicemail,
	})
	if err != nil {
		return c.providerFailure(trip, r, "call", err)
	}

	if err := c.store.TouchRelay(ctx, r.ID, c.now().UTC()); err != nil {
		return fmt.Errorf("touch relay: %w", err)
	}
	events.EmitTrip(trip.ID, "info", "telephony.call_initiated", "", map[string]interface{}{
		"relay_id":         r.ID,
		"sid":              sid,
		"detect_voicemail": detectVoicemail,
	})
	return nil
}

// providerFailure applies the carrier error classes: drops are ignored,
// warnings go to the trip audit log, everything else is logged, reported
// and returned.
func (c *Controller) providerFailure(trip *storage.Trip, r *storage.Relay, kind string, err error) error {
	fields := map[string]interface{}{
		"relay_id": r.ID,
		"kind":     kind,
		"error":    err.Error(),
	}
	var pe *telephony.ProviderError
	if errors.As(err, &pe) {
		fields["code"] = pe.Code
	}

	switch telephony.Classify(err) {
	case telephony.ClassDrop:
		return nil
	case telephony.ClassWarn:
		events.EmitTrip(trip.ID, "warn", "telephony.warning", err.Error(), fields)
		return nil
	default:
		events.EmitTrip(trip.ID, "error", "telephony.error", err.Error(), fields)
		if c.reporter != nil {
			c.reporter.Report(alerts.AlertProviderError, alerts.SeverityWarning, trip.ID,
				fmt.Sprintf("%s via relay %s failed", kind, r.ID), fields)
		}
		return fmt.Errorf("%s via relay %s: %w", kind, r.ID, err)
	}
}
