package callcontrol

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/relay"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/storage/storagetest"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

const (
	travelerPhone = "+15550001111"
	guidePhone    = "+15550002222"
	sharedNumber  = "+15559990001"
	orgNumber     = "+15559990002"
)

const callScript = `
version: 1
triggers:
  - name: greet
    event: call_received
    repeatable: true
    steps:
      - gather: {clip: riddle, say: "What has keys but no locks?", partial: true, hints: piano}
  - name: early_guess
    event: clip_answered
    if: "partial == true && response == 'piano'"
    steps:
      - say: "Correct already!"
      - set_values: {solved: "yes"}
  - name: connect
    event: clip_answered
    repeatable: true
    if: "partial == false && response == 'connect'"
    steps:
      - dial: Guide
  - name: voicemail
    event: call_answered
    if: "answered_by == 'machine'"
    steps:
      - play: "https://cdn.example.com/voicemail.mp3"
  - name: hung_up
    event: call_ended
    repeatable: true
    steps:
      - set_values: {last_status: done}
`

type redirect struct {
	callSID string
	url     string
}

type fakeProvider struct {
	messages  []telephony.MessageRequest
	redirects []redirect
}

func (f *fakeProvider) SendMessage(_ context.Context, req telephony.MessageRequest) (string, error) {
	f.messages = append(f.messages, req)
	return "SM1", nil
}

func (f *fakeProvider) CreateCall(context.Context, telephony.CallRequest) (string, error) {
	return "CA1", nil
}

func (f *fakeProvider) RedirectCall(_ context.Context, callSID, url string) error {
	f.redirects = append(f.redirects, redirect{callSID: callSID, url: url})
	return nil
}

func (f *fakeProvider) ListNumbers(context.Context) ([]telephony.Number, error) { return nil, nil }
func (f *fakeProvider) UpdateNumberWebhooks(context.Context, string, string, string) error {
	return nil
}
func (f *fakeProvider) ReleaseNumber(context.Context, string) error { return nil }

type env struct {
	store    *storage.Client
	fixture  *storagetest.Fixture
	provider *fakeProvider
	ctrl     *relay.Controller
	handler  *Handler
	relay    *storage.Relay
}

func newEnv(t *testing.T, content string) *env {
	t.Helper()
	events.Clear()
	store := storagetest.New(t)
	f := storagetest.Seed(t, store, content, map[string]string{
		"Traveler": travelerPhone,
		"Guide":    guidePhone,
	})
	ctx := context.Background()
	require.NoError(t, store.CreateRelayService(ctx, &storage.RelayService{
		Stage: "test", PhoneNumber: sharedNumber, ServiceSID: "MG-shared", IsActive: true,
	}))
	require.NoError(t, store.CreateRelayService(ctx, &storage.RelayService{
		Stage: "test", OrgID: f.Org.ID, PhoneNumber: orgNumber, ServiceSID: "MG-org", IsActive: true,
	}))

	e := &env{store: store, fixture: f, provider: &fakeProvider{}}
	e.ctrl = relay.NewController(store, relay.NewDirectory(store, "test"), e.provider,
		telephony.NewGuard(true, nil), nil, "https://trips.example.com")
	k := kernel.New(store, script.NewRules(), e.ctrl.Effects())
	e.handler = NewHandler(store, k, e.ctrl, e.provider, "alice")

	r, _, err := e.ctrl.Directory().EnsureRelay(ctx, e.spec("Traveler", "Guide", travelerPhone))
	require.NoError(t, err)
	e.relay = r
	return e
}

func (e *env) spec(forRole, asRole, phone string) relay.Spec {
	return relay.Spec{
		OrgID: e.fixture.Org.ID, ExperienceID: e.fixture.Experience.ID, TripID: e.fixture.Trip.ID,
		ForRole: forRole, AsRole: asRole, ForPhoneNumber: phone,
	}
}

func (e *env) callback(req CallRequest) CallRequest {
	req.TripID = e.fixture.Trip.ID
	req.RelayID = e.relay.ID
	return req
}

func eventNames(tripID string) []string {
	var names []string
	for _, ev := range events.ForTrip(tripID) {
		names = append(names, ev.Name)
	}
	return names
}

func TestDocumentMarkup(t *testing.T) {
	doc := &Document{}
	doc.Say("Hello & welcome", "alice")
	doc.Play("https://cdn.example.com/a.mp3")
	doc.Redirect("https://trips.example.com/next")
	doc.Hangup()

	out, err := doc.Bytes()
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, `<Response><Say voice="alice">Hello &amp; welcome</Say>`)
	assert.Contains(t, s, `<Play>https://cdn.example.com/a.mp3</Play>`)
	assert.Contains(t, s, `<Redirect>https://trips.example.com/next</Redirect>`)
	assert.Contains(t, s, `<Hangup></Hangup></Response>`)

	assert.Contains(t, string(EmptyResponse()), `<Response></Response>`)
}

func TestIncomingCallRendersGather(t *testing.T) {
	e := newEnv(t, callScript)

	out, err := e.handler.IncomingCall(context.Background(), CallRequest{
		CallSID: "CA100", From: travelerPhone, To: e.relay.RelayPhoneNumber,
	})
	require.NoError(t, err)
	s := string(out)

	params := url.Values{
		"trip":  {e.fixture.Trip.ID},
		"relay": {e.relay.ID},
		"clip":  {"riddle"},
	}
	params.Set("partial", "false")
	final := "https://trips.example.com" + relay.PathCallResponse + "?" + params.Encode()
	params.Set("partial", "true")
	partial := "https://trips.example.com" + relay.PathCallResponse + "?" + params.Encode()

	assert.Contains(t, s, `<Gather input="speech dtmf"`)
	assert.Contains(t, s, `action="`+strings.ReplaceAll(final, "&", "&amp;")+`"`)
	assert.Contains(t, s, `partialResultCallback="`+strings.ReplaceAll(partial, "&", "&amp;")+`"`)
	assert.Contains(t, s, `hints="piano"`)
	assert.Contains(t, s, `<Say voice="alice">What has keys but no locks?</Say></Gather>`)
	assert.Contains(t, eventNames(e.fixture.Trip.ID), "call.received")
}

func TestIncomingCallWithoutBehavior(t *testing.T) {
	e := newEnv(t, "version: 1")

	out, err := e.handler.IncomingCall(context.Background(), CallRequest{
		CallSID: "CA101", From: travelerPhone, To: e.relay.RelayPhoneNumber,
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), noBehavior)
}

func TestIncomingCallUnknownNumber(t *testing.T) {
	e := newEnv(t, callScript)

	out, err := e.handler.IncomingCall(context.Background(), CallRequest{
		CallSID: "CA102", From: "+15550009999", To: e.relay.RelayPhoneNumber,
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), notInService)
	assert.Contains(t, string(out), "<Hangup></Hangup>")
}

func TestInboundCallsRecordRelayActivity(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()
	answered := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	e.handler.now = func() time.Time { return answered }

	_, err := e.handler.IncomingCall(ctx, CallRequest{
		CallSID: "CA103", From: travelerPhone, To: e.relay.RelayPhoneNumber,
	})
	require.NoError(t, err)
	r, err := e.store.GetRelay(ctx, e.relay.ID)
	require.NoError(t, err)
	require.NotNil(t, r.LastActiveAt)
	assert.True(t, r.LastActiveAt.Equal(answered))

	ended := answered.Add(10 * time.Minute)
	e.handler.now = func() time.Time { return ended }
	require.NoError(t, e.handler.CallStatus(ctx, CallRequest{
		CallSID: "CA103", From: travelerPhone, To: e.relay.RelayPhoneNumber, CallStatus: "completed",
	}))
	r, err = e.store.GetRelay(ctx, e.relay.ID)
	require.NoError(t, err)
	assert.True(t, r.LastActiveAt.Equal(ended))
}

func TestPartialResponseInterruptsCall(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()

	out, err := e.handler.Response(ctx, e.callback(CallRequest{
		CallSID: "CA200", Clip: "riddle", Partial: true, Response: "piano",
	}))
	require.NoError(t, err)
	assert.Equal(t, EmptyResponse(), out)

	require.Len(t, e.provider.redirects, 1)
	rd := e.provider.redirects[0]
	assert.Equal(t, "CA200", rd.callSID)
	require.True(t, strings.HasPrefix(rd.url, "https://trips.example.com"+relay.PathCallInterrupt+"?"))

	u, err := url.Parse(rd.url)
	require.NoError(t, err)
	markup, err := e.handler.Interrupt(u.Query().Get("twiml"))
	require.NoError(t, err)
	assert.Contains(t, string(markup), `<Say voice="alice">Correct already!</Say>`)

	trip, err := e.store.GetTrip(ctx, e.fixture.Trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "yes", trip.Values["solved"])
	assert.Contains(t, eventNames(e.fixture.Trip.ID), "call.interrupted")
}

func TestPartialResponseWithoutMarkup(t *testing.T) {
	e := newEnv(t, callScript)

	out, err := e.handler.Response(context.Background(), e.callback(CallRequest{
		CallSID: "CA201", Clip: "riddle", Partial: true, Response: "pia",
	}))
	require.NoError(t, err)
	assert.Equal(t, EmptyResponse(), out)
	assert.Empty(t, e.provider.redirects)
}

func TestFinalResponseWithoutMarkupHangsUp(t *testing.T) {
	e := newEnv(t, callScript)

	out, err := e.handler.Response(context.Background(), e.callback(CallRequest{
		CallSID: "CA202", Clip: "riddle", Response: "no idea",
	}))
	require.NoError(t, err)
	assert.Contains(t, string(out), "<Hangup></Hangup>")
}

func TestFinalResponseDialsThroughOppositeRelay(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()

	opposite, _, err := e.ctrl.Directory().EnsureRelay(ctx, e.spec("Guide", "Traveler", guidePhone))
	require.NoError(t, err)

	out, err := e.handler.Response(ctx, e.callback(CallRequest{
		CallSID: "CA203", Clip: "riddle", Response: "connect",
	}))
	require.NoError(t, err)
	assert.Contains(t, string(out),
		`<Dial callerId="`+opposite.RelayPhoneNumber+`"><Number>`+guidePhone+`</Number></Dial>`)
}

func TestDialWithoutOppositeRelayApologises(t *testing.T) {
	e := newEnv(t, callScript)

	out, err := e.handler.Response(context.Background(), e.callback(CallRequest{
		CallSID: "CA204", Clip: "riddle", Response: "connect",
	}))
	require.NoError(t, err)
	assert.Contains(t, string(out), dialApology)
	assert.Contains(t, string(out), "<Hangup></Hangup>")
	assert.Contains(t, eventNames(e.fixture.Trip.ID), "call.dial_failed")
}

func TestOutgoingCallAnswered(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()

	out, err := e.handler.OutgoingCallAnswered(ctx, e.callback(CallRequest{CallSID: "CA300", AnsweredBy: "human"}))
	require.NoError(t, err)
	assert.Contains(t, string(out), "<Hangup></Hangup>")

	out, err = e.handler.OutgoingCallAnswered(ctx, e.callback(CallRequest{CallSID: "CA301", AnsweredBy: "machine_end_beep"}))
	require.NoError(t, err)
	assert.Contains(t, string(out), "<Play>https://cdn.example.com/voicemail.mp3</Play>")
}

func TestOutgoingCallRejectsForeignRelay(t *testing.T) {
	e := newEnv(t, callScript)

	_, err := e.handler.OutgoingCallAnswered(context.Background(), CallRequest{
		CallSID: "CA302", TripID: "someone-else", RelayID: e.relay.ID,
	})
	assert.Error(t, err)
}

func TestCallStatusFiresOnTerminalStatus(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()

	require.NoError(t, e.handler.CallStatus(ctx, e.callback(CallRequest{CallSID: "CA400", CallStatus: "ringing"})))
	trip, err := e.store.GetTrip(ctx, e.fixture.Trip.ID)
	require.NoError(t, err)
	assert.NotContains(t, trip.Values, "last_status")

	// Inbound status callbacks carry no correlation parameters.
	require.NoError(t, e.handler.CallStatus(ctx, CallRequest{
		CallSID: "CA401", From: travelerPhone, To: e.relay.RelayPhoneNumber, CallStatus: "completed",
	}))
	trip, err = e.store.GetTrip(ctx, e.fixture.Trip.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", trip.Values["last_status"])
	assert.Contains(t, eventNames(e.fixture.Trip.ID), "call.ended")
}

func TestInterruptRejectsBadPayload(t *testing.T) {
	e := newEnv(t, "version: 1")

	_, err := e.handler.Interrupt("")
	assert.Error(t, err)
	_, err = e.handler.Interrupt("not base64!")
	assert.Error(t, err)
}

func TestIncomingMessageQueuesEvent(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()

	require.NoError(t, e.handler.IncomingMessage(ctx, MessageRequest{
		MessageSID: "SM500", From: travelerPhone, To: e.relay.RelayPhoneNumber, Body: "  hello ",
	}))

	actions, err := e.store.ListActions(ctx, e.fixture.Trip.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, storage.ActionTypeEvent, a.Type)
	assert.Equal(t, EventTextReceived, a.Name)

	ev := script.DecodeEvent(a.Event)
	require.NotNil(t, ev)
	assert.Equal(t, EventTextReceived, ev.Type)
	assert.Equal(t, "hello", ev.Field("body"))
	assert.Equal(t, "Traveler", ev.Field("from_role"))

	traveler, err := e.store.FindPlayerByRole(ctx, e.fixture.Trip.ID, "Traveler")
	require.NoError(t, err)
	require.NotNil(t, a.TriggeringPlayerID)
	assert.Equal(t, traveler.ID, *a.TriggeringPlayerID)

	r, err := e.store.GetRelay(ctx, e.relay.ID)
	require.NoError(t, err)
	assert.NotNil(t, r.LastActiveAt)
}

func TestIncomingMessageEntrywayCreatesTrip(t *testing.T) {
	e := newEnv(t, callScript)
	ctx := context.Background()
	const stranger = "+15550003333"

	svc, err := e.store.GetRelayServiceByNumber(ctx, sharedNumber)
	require.NoError(t, err)
	require.NoError(t, e.store.CreateEntryway(ctx, &storage.RelayEntryway{
		OrgID:          e.fixture.Org.ID,
		ExperienceID:   e.fixture.Experience.ID,
		RelayServiceID: svc.ID,
		RoleName:       "Seeker",
		AsRoleName:     "Oracle",
		Welcome:        "The oracle hears you.",
		Keyword:        "ORACLE",
	}))

	// Wrong keyword: nothing happens.
	require.NoError(t, e.handler.IncomingMessage(ctx, MessageRequest{
		From: "+15550004444", To: sharedNumber, Body: "hi",
	}))
	assert.Empty(t, e.provider.messages)
	_, err = e.store.FindRelayByNumbers(ctx, "test", sharedNumber, "+15550004444")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, e.handler.IncomingMessage(ctx, MessageRequest{
		From: stranger, To: sharedNumber, Body: " oracle ",
	}))

	r, err := e.store.FindRelayByNumbers(ctx, "test", sharedNumber, stranger)
	require.NoError(t, err)
	assert.Equal(t, "Seeker", r.ForRoleName)
	assert.Equal(t, "Oracle", r.AsRoleName)
	assert.NotEqual(t, e.fixture.Trip.ID, r.TripID)

	trip, err := e.store.GetTrip(ctx, r.TripID)
	require.NoError(t, err)
	assert.Equal(t, e.fixture.Script.ID, trip.ScriptID)
	assert.Contains(t, trip.Title, "Test Experience")
	assert.Nil(t, trip.LastScheduledAt)

	seeker, err := e.store.FindPlayerByRole(ctx, trip.ID, "Seeker")
	require.NoError(t, err)
	assert.Equal(t, stranger, seeker.PhoneNumber)

	require.Len(t, e.provider.messages, 1)
	assert.Equal(t, "The oracle hears you.", e.provider.messages[0].Body)
	assert.Equal(t, stranger, e.provider.messages[0].To)
	assert.Equal(t, sharedNumber, e.provider.messages[0].From)
	assert.Contains(t, eventNames(trip.ID), "entryway.trip_created")
}
