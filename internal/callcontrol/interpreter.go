package callcontrol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/relay"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

const dialApology = "Sorry, we could not connect your call."

// Call is the trip and relay a call-control document is rendered for.
type Call struct {
	Trip  *storage.Trip
	Relay *storage.Relay
}

// Interpreter renders clauses as markup.
type Interpreter struct {
	store *storage.Client
	ctrl  *relay.Controller
	voice string
}

// NewInterpreter wires an interpreter. voice is used for Say clauses that
// name none.
func NewInterpreter(store *storage.Client, ctrl *relay.Controller, voice string) *Interpreter {
	return &Interpreter{store: store, ctrl: ctrl, voice: voice}
}

// Render interprets clauses in order into one document.
func (in *Interpreter) Render(ctx context.Context, call Call, clauses []script.Clause) (*Document, error) {
	doc := &Document{}
	for _, c := range clauses {
		verbs, err := in.interpret(ctx, call, c)
		if err != nil {
			return nil, err
		}
		doc.verbs = append(doc.verbs, verbs...)
	}
	return doc, nil
}

func (in *Interpreter) interpret(ctx context.Context, call Call, clause script.Clause) ([]interface{}, error) {
	switch c := clause.(type) {
	case script.Say:
		voice := c.Voice
		if voice == "" {
			voice = in.voice
		}
		return []interface{}{sayVerb{Voice: voice, Text: c.Text}}, nil
	case script.Play:
		return []interface{}{playVerb{URL: c.URL}}, nil
	case script.Dial:
		return in.dial(ctx, call, c)
	case script.Gather:
		return in.gather(ctx, call, c)
	case script.Hangup:
		return []interface{}{hangupVerb{}}, nil
	default:
		return nil, fmt.Errorf("unsupported clause %T", clause)
	}
}

func (in *Interpreter) gather(ctx context.Context, call Call, g script.Gather) ([]interface{}, error) {
	params := url.Values{
		"trip":  {call.Trip.ID},
		"relay": {call.Relay.ID},
		"clip":  {g.ClipName},
	}
	v := gatherVerb{
		Input:   "speech dtmf",
		Action:  in.ctrl.CallbackURL(relay.PathCallResponse, withPartial(params, false)),
		Hints:   g.Hints,
		Timeout: g.Timeout,
	}
	if g.Partial {
		v.PartialResultCallback = in.ctrl.CallbackURL(relay.PathCallResponse, withPartial(params, true))
	}
	if g.Prompt != nil {
		inner, err := in.interpret(ctx, call, g.Prompt)
		if err != nil {
			return nil, fmt.Errorf("gather %q: %w", g.ClipName, err)
		}
		v.Verbs = inner
	}
	return []interface{}{v}, nil
}

func withPartial(params url.Values, partial bool) url.Values {
	out := url.Values{}
	for k, v := range params {
		out[k] = v
	}
	out.Set("partial", strconv.FormatBool(partial))
	return out
}

// dial bridges the caller to the target role through the relay the target
// sees the caller on. Missing either side ends the call with an apology.
func (in *Interpreter) dial(ctx context.Context, call Call, d script.Dial) ([]interface{}, error) {
	toRole := d.ToRole
	if toRole == "" {
		toRole = call.Relay.WithRoleName
	}

	fail := func(reason string) ([]interface{}, error) {
		events.EmitTrip(call.Trip.ID, "warn", "call.dial_failed", reason, map[string]interface{}{
			"relay_id": call.Relay.ID,
			"to_role":  toRole,
		})
		return []interface{}{sayVerb{Voice: in.voice, Text: dialApology}, hangupVerb{}}, nil
	}

	target, err := in.store.FindPlayerByRole(ctx, call.Trip.ID, toRole)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && target.PhoneNumber == "") {
		return fail("no phone number for role")
	}
	if err != nil {
		return nil, fmt.Errorf("find player: %w", err)
	}

	opposite, err := in.ctrl.Directory().Opposite(ctx, call.Relay, toRole, target.PhoneNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return fail("no opposite relay")
	}
	if err != nil {
		return nil, fmt.Errorf("find opposite relay: %w", err)
	}
	return []interface{}{dialVerb{CallerID: opposite.RelayPhoneNumber, Number: target.PhoneNumber}}, nil
}
