package callcontrol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/relay"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

// Events the handler feeds to the kernel.
const (
	EventCallReceived = "call_received"
	EventCallAnswered = "call_answered"
	EventClipAnswered = "clip_answered"
	EventCallEnded    = "call_ended"
	EventTextReceived = "text_received"
)

const (
	notInService = "The number you have called is not in service."
	noBehavior   = "There is no one available to take your call right now."
)

// ErrUnrouted means an inbound call or text matched no live relay.
var ErrUnrouted = errors.New("callcontrol: no relay for numbers")

// CallRequest is the part of a call webhook the handler uses. TripID and
// RelayID come from the correlation parameters of callbacks we asked for.
type CallRequest struct {
	CallSID    string
	From       string
	To         string
	TripID     string
	RelayID    string
	Clip       string
	Partial    bool
	Response   string
	Confidence string
	AnsweredBy string
	CallStatus string
}

// MessageRequest is an inbound text.
type MessageRequest struct {
	MessageSID string
	From       string
	To         string
	Body       string
	MediaURL   string
}

// Handler runs the call and message webhooks.
type Handler struct {
	store    *storage.Client
	kernel   *kernel.Kernel
	ctrl     *relay.Controller
	interp   *Interpreter
	provider telephony.Provider
	now      func() time.Time
}

func NewHandler(store *storage.Client, k *kernel.Kernel, ctrl *relay.Controller,
	provider telephony.Provider, voice string) *Handler {
	return &Handler{
		store:    store,
		kernel:   k,
		ctrl:     ctrl,
		interp:   NewInterpreter(store, ctrl, voice),
		provider: provider,
		now:      time.Now,
	}
}

// IncomingCall answers a participant calling a relay number.
func (h *Handler) IncomingCall(ctx context.Context, req CallRequest) ([]byte, error) {
	call, player, err := h.resolve(ctx, req.To, req.From)
	if errors.Is(err, ErrUnrouted) {
		events.Emit("warn", "call.unrouted", "", map[string]interface{}{"to": req.To, "call_sid": req.CallSID})
		doc := &Document{}
		doc.Say(notInService, h.interp.voice)
		doc.Hangup()
		return doc.Bytes()
	}
	if err != nil {
		return nil, err
	}

	events.EmitTrip(call.Trip.ID, "info", "call.received", "", callFields(call, req))
	doc, err := h.apply(ctx, call, player, script.Event{Type: EventCallReceived, Fields: roleFields(call.Relay)})
	if err != nil {
		return nil, err
	}
	if doc.Empty() {
		doc.Say(noBehavior, h.interp.voice)
	}
	return doc.Bytes()
}

// OutgoingCallAnswered runs when a call we placed is picked up.
func (h *Handler) OutgoingCallAnswered(ctx context.Context, req CallRequest) ([]byte, error) {
	call, player, err := h.correlate(ctx, req.TripID, req.RelayID)
	if err != nil {
		return nil, err
	}

	fields := roleFields(call.Relay)
	fields["answered_by"] = answeredBy(req.AnsweredBy)
	events.EmitTrip(call.Trip.ID, "info", "call.answered", "", callFields(call, req))

	doc, err := h.apply(ctx, call, player, script.Event{Type: EventCallAnswered, Fields: fields})
	if err != nil {
		return nil, err
	}
	if doc.Empty() {
		doc.Hangup()
	}
	return doc.Bytes()
}

// Response handles a gathered answer. A partial answer that produces
// markup interrupts the call in flight; a final answer that produces none
// ends the call.
func (h *Handler) Response(ctx context.Context, req CallRequest) ([]byte, error) {
	call, player, err := h.correlate(ctx, req.TripID, req.RelayID)
	if err != nil {
		return nil, err
	}

	fields := roleFields(call.Relay)
	fields["clip"] = req.Clip
	fields["response"] = req.Response
	fields["partial"] = req.Partial
	if req.Confidence != "" {
		fields["confidence"] = req.Confidence
	}
	events.EmitTrip(call.Trip.ID, "info", "call.response", "", map[string]interface{}{
		"relay_id": call.Relay.ID,
		"clip":     req.Clip,
		"partial":  req.Partial,
	})

	doc, err := h.apply(ctx, call, player, script.Event{Type: EventClipAnswered, Fields: fields})
	if err != nil {
		return nil, err
	}

	if req.Partial {
		if doc.Empty() {
			return EmptyResponse(), nil
		}
		if err := h.interrupt(ctx, call, req.CallSID, doc); err != nil {
			return nil, err
		}
		return EmptyResponse(), nil
	}
	if doc.Empty() {
		doc.Hangup()
	}
	return doc.Bytes()
}

// interrupt redirects a live call to markup carried in the redirect URL.
func (h *Handler) interrupt(ctx context.Context, call Call, callSID string, doc *Document) error {
	body, err := doc.Bytes()
	if err != nil {
		return err
	}
	target := h.ctrl.CallbackURL(relay.PathCallInterrupt, url.Values{
		"twiml": {base64.StdEncoding.EncodeToString(body)},
	})
	if err := h.provider.RedirectCall(ctx, callSID, target); err != nil {
		events.EmitTrip(call.Trip.ID, "error", "telephony.error", err.Error(), map[string]interface{}{
			"relay_id": call.Relay.ID,
			"kind":     "interrupt",
		})
		return fmt.Errorf("interrupt call %s: %w", callSID, err)
	}
	events.EmitTrip(call.Trip.ID, "info", "call.interrupted", "", map[string]interface{}{
		"relay_id": call.Relay.ID,
		"call_sid": callSID,
	})
	return nil
}

// Interrupt decodes the markup an interrupt redirect carries.
func (h *Handler) Interrupt(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty interrupt payload")
	}
	body, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode interrupt payload: %w", err)
	}
	return body, nil
}

// CallStatus reports the end of a call to the trip. Non-terminal statuses
// and calls that match no relay are ignored.
func (h *Handler) CallStatus(ctx context.Context, req CallRequest) error {
	if !terminalStatus(req.CallStatus) {
		return nil
	}

	var (
		call   Call
		player *storage.Player
		err    error
	)
	if req.RelayID != "" {
		call, player, err = h.correlate(ctx, req.TripID, req.RelayID)
	} else {
		call, player, err = h.resolve(ctx, req.To, req.From)
	}
	if errors.Is(err, ErrUnrouted) {
		return nil
	}
	if err != nil {
		return err
	}

	fields := roleFields(call.Relay)
	fields["status"] = req.CallStatus
	events.EmitTrip(call.Trip.ID, "info", "call.ended", "", callFields(call, req))

	_, err = h.apply(ctx, call, player, script.Event{Type: EventCallEnded, Fields: fields})
	return err
}

// IncomingMessage queues a text_received event for the trip the text
// belongs to. A text on a pool number with no relay may start a trip
// through an entryway.
func (h *Handler) IncomingMessage(ctx context.Context, req MessageRequest) error {
	call, player, err := h.resolve(ctx, req.To, req.From)
	if errors.Is(err, ErrUnrouted) {
		return h.enter(ctx, req)
	}
	if err != nil {
		return err
	}

	fields := roleFields(call.Relay)
	fields["body"] = strings.TrimSpace(req.Body)
	if req.MediaURL != "" {
		fields["media"] = req.MediaURL
	}
	now := h.now().UTC()
	row := &storage.ScheduledAction{
		OrgID:       call.Trip.OrgID,
		TripID:      call.Trip.ID,
		Type:        storage.ActionTypeEvent,
		Name:        EventTextReceived,
		Event:       script.EncodeEvent(&script.Event{Type: EventTextReceived, Fields: fields}),
		ScheduledAt: now,
	}
	if player != nil {
		row.TriggeringPlayerID = &player.ID
	}
	if err := h.store.InsertAction(ctx, row); err != nil {
		return fmt.Errorf("queue text: %w", err)
	}
	events.EmitTrip(call.Trip.ID, "info", "message.received", "", map[string]interface{}{
		"relay_id":  call.Relay.ID,
		"action_id": row.ID,
		"from_role": call.Relay.ForRoleName,
	})
	return nil
}

// enter creates a trip from the first entryway on the number whose keyword
// matches the text.
func (h *Handler) enter(ctx context.Context, req MessageRequest) error {
	stage := h.ctrl.Directory().Stage()
	entryways, err := h.store.FindEntryways(ctx, stage, req.To)
	if err != nil {
		return fmt.Errorf("find entryways: %w", err)
	}

	var ew *storage.RelayEntryway
	for i := range entryways {
		kw := strings.TrimSpace(entryways[i].Keyword)
		if kw == "" || strings.EqualFold(kw, strings.TrimSpace(req.Body)) {
			ew = &entryways[i]
			break
		}
	}
	if ew == nil {
		events.Emit("info", "message.unrouted", "", map[string]interface{}{"to": req.To})
		return nil
	}
	if ew.AsRoleName == "" {
		return fmt.Errorf("entryway %s has no as role", ew.ID)
	}

	svc, err := h.store.GetRelayServiceByNumber(ctx, req.To)
	if err != nil {
		return fmt.Errorf("entryway %s: relay service: %w", ew.ID, err)
	}
	scr, err := h.store.ActiveScript(ctx, ew.ExperienceID)
	if err != nil {
		return fmt.Errorf("entryway %s: active script: %w", ew.ID, err)
	}
	exp, err := h.store.GetExperience(ctx, ew.ExperienceID)
	if err != nil {
		return fmt.Errorf("entryway %s: experience: %w", ew.ID, err)
	}

	trip := &storage.Trip{
		OrgID:        ew.OrgID,
		ExperienceID: ew.ExperienceID,
		ScriptID:     scr.ID,
		Title:        fmt.Sprintf("%s (%s)", exp.Title, req.From),
	}
	if err := h.store.CreateTrip(ctx, trip); err != nil {
		return fmt.Errorf("entryway %s: create trip: %w", ew.ID, err)
	}
	player := &storage.Player{TripID: trip.ID, RoleName: ew.RoleName, Name: ew.RoleName, PhoneNumber: req.From}
	if err := h.store.CreatePlayer(ctx, player); err != nil {
		return fmt.Errorf("entryway %s: create player: %w", ew.ID, err)
	}

	r, err := h.ctrl.EnsureRelayOn(ctx, trip, relay.Spec{
		OrgID:          trip.OrgID,
		ExperienceID:   trip.ExperienceID,
		TripID:         trip.ID,
		ForRole:        ew.RoleName,
		AsRole:         ew.AsRoleName,
		ForPhoneNumber: req.From,
	}, svc, ew.Welcome)
	if err != nil {
		return fmt.Errorf("entryway %s: relay: %w", ew.ID, err)
	}

	events.EmitTrip(trip.ID, "info", "entryway.trip_created", "", map[string]interface{}{
		"entryway_id": ew.ID,
		"relay_id":    r.ID,
		"role":        ew.RoleName,
	})
	return nil
}

func (h *Handler) apply(ctx context.Context, call Call, player *storage.Player, ev script.Event) (*Document, error) {
	opts := kernel.ApplyOptions{}
	if player != nil {
		opts.PlayerID = &player.ID
	}
	res, err := h.kernel.ApplyEvent(ctx, call.Trip.ID, ev, opts)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", ev.Type, err)
	}
	if res.Trip != nil {
		call.Trip = res.Trip
	}
	return h.interp.Render(ctx, call, res.Clauses)
}

// resolve maps an inbound call or text to a live trip.
func (h *Handler) resolve(ctx context.Context, relayNumber, participant string) (Call, *storage.Player, error) {
	r, err := h.ctrl.Directory().Resolve(ctx, relayNumber, participant)
	if errors.Is(err, storage.ErrNotFound) {
		return Call{}, nil, ErrUnrouted
	}
	if err != nil {
		return Call{}, nil, fmt.Errorf("resolve relay: %w", err)
	}
	return h.load(ctx, r)
}

// correlate loads the trip and relay named by callback parameters.
func (h *Handler) correlate(ctx context.Context, tripID, relayID string) (Call, *storage.Player, error) {
	r, err := h.store.GetRelay(ctx, relayID)
	if errors.Is(err, storage.ErrNotFound) {
		return Call{}, nil, ErrUnrouted
	}
	if err != nil {
		return Call{}, nil, fmt.Errorf("load relay: %w", err)
	}
	if r.TripID != tripID {
		return Call{}, nil, fmt.Errorf("relay %s does not belong to trip %s", relayID, tripID)
	}
	return h.load(ctx, r)
}

func (h *Handler) load(ctx context.Context, r *storage.Relay) (Call, *storage.Player, error) {
	trip, err := h.store.GetTrip(ctx, r.TripID)
	if errors.Is(err, storage.ErrNotFound) {
		return Call{}, nil, ErrUnrouted
	}
	if err != nil {
		return Call{}, nil, fmt.Errorf("load trip: %w", err)
	}
	if trip.IsArchived {
		return Call{}, nil, ErrUnrouted
	}
	// Inbound traffic keeps the leased number alive for the sweep.
	if err := h.store.TouchRelay(ctx, r.ID, h.now().UTC()); err != nil {
		return Call{}, nil, fmt.Errorf("touch relay: %w", err)
	}

	player, err := h.store.FindPlayerByRole(ctx, trip.ID, r.ForRoleName)
	if errors.Is(err, storage.ErrNotFound) {
		return Call{Trip: trip, Relay: r}, nil, nil
	}
	if err != nil {
		return Call{}, nil, fmt.Errorf("find player: %w", err)
	}
	return Call{Trip: trip, Relay: r}, player, nil
}

// roleFields names the two sides of a relay from the participant's view.
func roleFields(r *storage.Relay) map[string]interface{} {
	return map[string]interface{}{
		"from_role": r.ForRoleName,
		"to_role":   r.AsRoleName,
		"with_role": r.WithRoleName,
	}
}

func callFields(call Call, req CallRequest) map[string]interface{} {
	fields := map[string]interface{}{
		"relay_id": call.Relay.ID,
		"call_sid": req.CallSID,
	}
	if req.CallStatus != "" {
		fields["status"] = req.CallStatus
	}
	if req.AnsweredBy != "" {
		fields["answered_by"] = answeredBy(req.AnsweredBy)
	}
	return fields
}

func answeredBy(v string) string {
	v = strings.ToLower(v)
	if strings.HasPrefix(v, "machine") || v == "fax" {
		return "machine"
	}
	return "human"
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}
