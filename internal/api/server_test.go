package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/callcontrol"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/relay"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/storage/storagetest"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

const (
	publicURL     = "https://trips.example.com"
	authToken     = "test-auth-token"
	travelerPhone = "+15550001111"
	poolNumber    = "+15559990001"
)

const greetScript = `
version: 1
triggers:
  - name: greet
    event: call_received
    repeatable: true
    steps:
      - say: "Welcome aboard"
`

type nopProvider struct{}

func (nopProvider) SendMessage(context.Context, telephony.MessageRequest) (string, error) {
	return "SM1", nil
}
func (nopProvider) CreateCall(context.Context, telephony.CallRequest) (string, error) {
	return "CA1", nil
}
func (nopProvider) RedirectCall(context.Context, string, string) error { return nil }
func (nopProvider) ListNumbers(context.Context) ([]telephony.Number, error) { return nil, nil }
func (nopProvider) UpdateNumberWebhooks(context.Context, string, string, string) error {
	return nil
}
func (nopProvider) ReleaseNumber(context.Context, string) error { return nil }

type testEnv struct {
	store   *storage.Client
	fixture *storagetest.Fixture
	relay   *storage.Relay
	server  *Server
}

func newTestEnv(t *testing.T, validator *telephony.Validator) *testEnv {
	t.Helper()
	events.Clear()
	InitAuth(nil)

	store := storagetest.New(t)
	f := storagetest.Seed(t, store, greetScript, map[string]string{
		"Traveler": travelerPhone,
		"Guide":    "+15550002222",
	})
	ctx := context.Background()
	if err := store.CreateRelayService(ctx, &storage.RelayService{
		Stage: "test", PhoneNumber: poolNumber, ServiceSID: "MG-shared", IsActive: true,
	}); err != nil {
		t.Fatalf("CreateRelayService() failed: %v", err)
	}

	provider := nopProvider{}
	ctrl := relay.NewController(store, relay.NewDirectory(store, "test"), provider,
		telephony.NewGuard(true, nil), nil, publicURL)
	k := kernel.New(store, script.NewRules(), ctrl.Effects())
	calls := callcontrol.NewHandler(store, k, ctrl, provider, "alice")

	r, _, err := ctrl.Directory().EnsureRelay(ctx, relay.Spec{
		OrgID: f.Org.ID, ExperienceID: f.Experience.ID, TripID: f.Trip.ID,
		ForRole: "Traveler", AsRole: "Guide", ForPhoneNumber: travelerPhone,
	})
	if err != nil {
		t.Fatalf("EnsureRelay() failed: %v", err)
	}

	srv := NewServer(Config{Port: 0, PublicURL: publicURL, Stage: "test"}, store, calls, validator)
	return &testEnv{store: store, fixture: f, relay: r, server: srv}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest("POST", target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// sign computes the carrier signature for a form post to fullURL.
func sign(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", resp.Status)
	}
	if resp.Stage != "test" {
		t.Errorf("expected stage 'test', got '%s'", resp.Stage)
	}
}

func TestHealthEndpointDatabaseDown(t *testing.T) {
	e := newTestEnv(t, nil)
	e.store.Close()

	w := e.do(httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.server.SetMQTTStatus(func() bool { return true })

	if err := e.store.InsertAction(context.Background(), &storage.ScheduledAction{
		OrgID: e.fixture.Org.ID, TripID: e.fixture.Trip.ID, Type: storage.ActionTypeEvent,
		Name: "wake", Event: map[string]interface{}{"type": "wake"}, ScheduledAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertAction() failed: %v", err)
	}

	w := e.do(httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	for _, want := range []string{
		"# TYPE trips_uptime_seconds gauge",
		`trips_actions_pending{stage="test"`,
		`trips_mqtt_connected{stage="test"`,
		"trips_database_up",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if !strings.Contains(body, "} 1\n# HELP trips_actions_failed") {
		t.Errorf("expected one pending action, got:\n%s", body)
	}
}

func TestEventsEndpointSnapshot(t *testing.T) {
	e := newTestEnv(t, nil)
	events.Emit("info", "scheduler.pass", "", nil)

	w := e.do(httptest.NewRequest("GET", "/events", nil))

	var got []events.Event
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) == 0 || got[len(got)-1].Name != "scheduler.pass" {
		t.Errorf("expected buffered scheduler.pass, got %+v", got)
	}
}

func TestEventsEndpointTripLog(t *testing.T) {
	e := newTestEnv(t, nil)
	tripID := e.fixture.Trip.ID
	now := time.Now().UTC()
	if err := e.store.AppendLogEntry(now, tripID, "info", "trigger.fired", "", map[string]interface{}{"trigger": "greet"}); err != nil {
		t.Fatalf("AppendLogEntry() failed: %v", err)
	}
	if err := e.store.AppendLogEntry(now.Add(time.Second), "other", "info", "trip.log", "", nil); err != nil {
		t.Fatalf("AppendLogEntry() failed: %v", err)
	}

	w := e.do(httptest.NewRequest("GET", "/events?trip="+tripID, nil))

	var got []storage.LogEntry
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 || got[0].Event != "trigger.fired" {
		t.Errorf("expected only the trip's entry, got %+v", got)
	}
}

func TestOperatorEndpointsRequireAuth(t *testing.T) {
	e := newTestEnv(t, nil)
	auth = &authConfig{user: "operator", pass: "opsecret", enabled: true}
	defer InitAuth(nil)

	w := e.do(httptest.NewRequest("GET", "/events", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/operator/trips/"+e.fixture.Trip.ID+"/events", strings.NewReader(`{"event":"wake"}`))
	w = e.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/events", nil)
	req.SetBasicAuth("operator", "opsecret")
	w = e.do(req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 with credentials, got %d", w.Code)
	}
}

func TestInjectEvent(t *testing.T) {
	e := newTestEnv(t, nil)
	tripID := e.fixture.Trip.ID

	body := `{"event":"wake","fields":{"reason":"manual"},"player_role":"Traveler","delay":"5m"}`
	w := e.do(httptest.NewRequest("POST", "/operator/trips/"+tripID+"/events", strings.NewReader(body)))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp OperatorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.OK || resp.ActionID == 0 {
		t.Errorf("expected ok with action id, got %+v", resp)
	}

	rows, err := e.store.ListActions(context.Background(), tripID)
	if err != nil {
		t.Fatalf("ListActions() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 queued row, got %d", len(rows))
	}
	row := rows[0]
	if row.Type != storage.ActionTypeEvent || row.Name != "wake" {
		t.Errorf("unexpected row %+v", row)
	}
	if row.TriggeringPlayerID == nil {
		t.Error("expected triggering player to be set")
	}
	if !row.ScheduledAt.After(time.Now().Add(4 * time.Minute)) {
		t.Errorf("expected delayed row, scheduled at %v", row.ScheduledAt)
	}
}

func TestInjectEventErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	tripID := e.fixture.Trip.ID

	tests := []struct {
		name   string
		trip   string
		body   string
		status int
	}{
		{"bad json", tripID, `{`, http.StatusBadRequest},
		{"missing event", tripID, `{"fields":{}}`, http.StatusBadRequest},
		{"bad delay", tripID, `{"event":"wake","delay":"soon"}`, http.StatusBadRequest},
		{"negative delay", tripID, `{"event":"wake","delay":"-1m"}`, http.StatusBadRequest},
		{"unknown trip", "no-such-trip", `{"event":"wake"}`, http.StatusNotFound},
		{"unknown role", tripID, `{"event":"wake","player_role":"Ghost"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(httptest.NewRequest("POST", "/operator/trips/"+tt.trip+"/events", strings.NewReader(tt.body)))
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestInjectEventArchivedTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	if err := e.store.ArchiveTrip(context.Background(), e.fixture.Trip.ID); err != nil {
		t.Fatalf("ArchiveTrip() failed: %v", err)
	}

	w := e.do(httptest.NewRequest("POST", "/operator/trips/"+e.fixture.Trip.ID+"/events", strings.NewReader(`{"event":"wake"}`)))

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestIncomingCallWebhook(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{"CallSid": {"CA1"}, "From": {travelerPhone}, "To": {e.relay.RelayPhoneNumber}}
	w := e.do(formRequest(relay.PathIncomingCall, form))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "Welcome aboard") {
		t.Errorf("expected greeting in markup, got %s", w.Body.String())
	}
}

func TestIncomingCallWebhookUnknownCaller(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{"CallSid": {"CA2"}, "From": {"+15550009999"}, "To": {e.relay.RelayPhoneNumber}}
	w := e.do(formRequest(relay.PathIncomingCall, form))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not in service") {
		t.Errorf("expected not in service markup, got %s", w.Body.String())
	}
}

func TestWebhookSignature(t *testing.T) {
	e := newTestEnv(t, telephony.NewValidator(authToken))
	form := url.Values{"CallSid": {"CA3"}, "From": {travelerPhone}, "To": {e.relay.RelayPhoneNumber}}

	w := e.do(formRequest(relay.PathIncomingCall, form))
	if w.Code != http.StatusForbidden {
		t.Errorf("unsigned request: expected status 403, got %d", w.Code)
	}

	req := formRequest(relay.PathIncomingCall, form)
	req.Header.Set(telephony.SignatureHeader, sign(publicURL+"/wrong", form))
	w = e.do(req)
	if w.Code != http.StatusForbidden {
		t.Errorf("badly signed request: expected status 403, got %d", w.Code)
	}

	req = formRequest(relay.PathIncomingCall, form)
	req.Header.Set(telephony.SignatureHeader, sign(publicURL+relay.PathIncomingCall, form))
	w = e.do(req)
	if w.Code != http.StatusOK {
		t.Errorf("signed request: expected status 200, got %d", w.Code)
	}
}

func TestIncomingMessageWebhook(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{"MessageSid": {"SM9"}, "From": {travelerPhone}, "To": {e.relay.RelayPhoneNumber}, "Body": {" hello "}}
	w := e.do(formRequest(relay.PathIncomingMessage, form))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	rows, err := e.store.ListActions(context.Background(), e.fixture.Trip.ID)
	if err != nil {
		t.Fatalf("ListActions() failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != callcontrol.EventTextReceived {
		t.Errorf("expected one queued text_received row, got %+v", rows)
	}
}

func TestIncomingMessageWebhookUnrouted(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{"MessageSid": {"SM10"}, "From": {"+15550009999"}, "To": {"+15550000000"}, "Body": {"hi"}}
	w := e.do(formRequest(relay.PathIncomingMessage, form))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestInterruptWebhook(t *testing.T) {
	e := newTestEnv(t, nil)
	markup := `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Stop</Say></Response>`
	target := relay.PathCallInterrupt + "?twiml=" + url.QueryEscape(base64.StdEncoding.EncodeToString([]byte(markup)))

	w := e.do(formRequest(target, url.Values{"CallSid": {"CA4"}}))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != markup {
		t.Errorf("expected decoded markup, got %s", w.Body.String())
	}

	w = e.do(formRequest(relay.PathCallInterrupt+"?twiml=not-base64!", url.Values{}))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 for a bad payload, got %d", w.Code)
	}
}

func TestCallStatusWebhook(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{"CallSid": {"CA5"}, "From": {travelerPhone}, "To": {e.relay.RelayPhoneNumber}, "CallStatus": {"completed"}}
	w := e.do(formRequest(relay.PathIncomingCallStatus, form))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	found := false
	for _, ev := range events.ForTrip(e.fixture.Trip.ID) {
		if ev.Name == "call.ended" {
			found = true
		}
	}
	if !found {
		t.Error("expected call.ended event")
	}
}
