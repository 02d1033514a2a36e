package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/AaronLay10/SentientTrips/internal/callcontrol"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/relay"
)

// markupFunc answers a carrier webhook with call markup.
type markupFunc func(ctx context.Context, r *http.Request) ([]byte, error)

func (s *Server) webhookRoutes() {
	s.mux.HandleFunc("POST "+relay.PathIncomingCall, s.webhook(func(ctx context.Context, r *http.Request) ([]byte, error) {
		return s.calls.IncomingCall(ctx, callRequest(r))
	}))
	s.mux.HandleFunc("POST "+relay.PathOutgoingCall, s.webhook(func(ctx context.Context, r *http.Request) ([]byte, error) {
		return s.calls.OutgoingCallAnswered(ctx, callRequest(r))
	}))
	s.mux.HandleFunc("POST "+relay.PathCallResponse, s.webhook(func(ctx context.Context, r *http.Request) ([]byte, error) {
		return s.calls.Response(ctx, callRequest(r))
	}))
	s.mux.HandleFunc(relay.PathCallInterrupt, s.webhook(func(_ context.Context, r *http.Request) ([]byte, error) {
		return s.calls.Interrupt(r.URL.Query().Get("twiml"))
	}))

	status := s.webhook(func(ctx context.Context, r *http.Request) ([]byte, error) {
		return callcontrol.EmptyResponse(), s.calls.CallStatus(ctx, callRequest(r))
	})
	s.mux.HandleFunc("POST "+relay.PathCallStatus, status)
	s.mux.HandleFunc("POST "+relay.PathIncomingCallStatus, status)

	s.mux.HandleFunc("POST "+relay.PathIncomingMessage, s.webhook(func(ctx context.Context, r *http.Request) ([]byte, error) {
		err := s.calls.IncomingMessage(ctx, messageRequest(r))
		if errors.Is(err, callcontrol.ErrUnrouted) {
			err = nil
		}
		return callcontrol.EmptyResponse(), err
	}))
}

// webhook parses the form, checks the carrier signature and writes the
// markup fn returns.
func (s *Server) webhook(fn markupFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if s.validator != nil {
			signed := strings.TrimSuffix(s.cfg.PublicURL, "/") + r.URL.RequestURI()
			if !s.validator.ValidateRequest(r, signed) {
				events.Emit("warn", "webhook.rejected", "bad signature", map[string]interface{}{
					"path": r.URL.Path,
				})
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
		}

		body, err := fn(r.Context(), r)
		if err != nil {
			log.Printf("webhook %s: %v", r.URL.Path, err)
			events.Emit("error", "webhook.error", err.Error(), map[string]interface{}{
				"path": r.URL.Path,
			})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(body)
	}
}

func callRequest(r *http.Request) callcontrol.CallRequest {
	q := r.URL.Query()
	req := callcontrol.CallRequest{
		CallSID:    r.PostFormValue("CallSid"),
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
		TripID:     q.Get("trip"),
		RelayID:    q.Get("relay"),
		Clip:       q.Get("clip"),
		Partial:    q.Get("partial") == "true",
		Confidence: r.PostFormValue("Confidence"),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
		CallStatus: r.PostFormValue("CallStatus"),
	}
	if req.Partial {
		req.Response = firstNonEmpty(r.PostFormValue("UnstableSpeechResult"), r.PostFormValue("StableSpeechResult"))
	} else {
		req.Response = firstNonEmpty(r.PostFormValue("SpeechResult"), r.PostFormValue("Digits"))
	}
	return req
}

func messageRequest(r *http.Request) callcontrol.MessageRequest {
	return callcontrol.MessageRequest{
		MessageSID: r.PostFormValue("MessageSid"),
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
		Body:       r.PostFormValue("Body"),
		MediaURL:   r.PostFormValue("MediaUrl0"),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
