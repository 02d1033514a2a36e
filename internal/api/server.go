// Package api serves the carrier webhooks, the operator endpoints and the
// audit event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/callcontrol"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/orchestrator"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

// Config is what the server needs to know about its deployment.
type Config struct {
	Port int
	// PublicURL is the base URL the carrier signs requests against.
	PublicURL string
	Stage     string
}

// Server routes HTTP requests to the call handler and the store.
type Server struct {
	cfg       Config
	store     *storage.Client
	calls     *callcontrol.Handler
	validator *telephony.Validator
	started   time.Time
	mux       *http.ServeMux

	// mqttConnected reports broker state for /metrics; nil when MQTT is off.
	mqttConnected func() bool
}

// NewServer wires the routes. validator may be nil, in which case webhook
// signatures are not checked.
func NewServer(cfg Config, store *storage.Client, calls *callcontrol.Handler, validator *telephony.Validator) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		calls:     calls,
		validator: validator,
		started:   time.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// SetMQTTStatus registers the broker connection check shown in /metrics.
func (s *Server) SetMQTTStatus(connected func() bool) {
	s.mqttConnected = connected
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /metrics", s.metricsHandler)
	s.mux.HandleFunc("GET /events", RequireOperator(s.eventsHandler))
	s.mux.HandleFunc("GET /ws/events", RequireOperator(wsEventsHandler))
	s.mux.HandleFunc("POST /operator/trips/{id}/events", RequireOperator(s.injectHandler))
	s.webhookRoutes()
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Stage     string `json:"stage"`
	Hostname  string `json:"hostname"`
	Database  string `json:"database"`
	Timestamp string `json:"ts"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "api",
		Stage:     s.cfg.Stage,
		Hostname:  host,
		Database:  "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// eventsHandler returns the in-memory event buffer, or with ?trip= the
// persisted audit log of one trip, newest first.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	tripID := r.URL.Query().Get("trip")
	if tripID == "" {
		_ = json.NewEncoder(w).Encode(events.Snapshot())
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.QueryLogEntries(r.Context(), tripID, limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(entries)
}

// InjectRequest is the body of POST /operator/trips/{id}/events.
type InjectRequest struct {
	Event      string                 `json:"event"`
	Fields     map[string]interface{} `json:"fields"`
	PlayerRole string                 `json:"player_role"`
	Delay      string                 `json:"delay"`
}

type OperatorResponse struct {
	OK       bool   `json:"ok"`
	ActionID int64  `json:"action_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) injectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: "invalid JSON"})
		return
	}
	if req.Event == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: "event required"})
		return
	}

	in := orchestrator.Injection{
		Event:      script.Event{Type: req.Event, Fields: req.Fields},
		PlayerRole: req.PlayerRole,
		Source:     "http",
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: "invalid delay"})
			return
		}
		in.At = time.Now().Add(d)
	}

	row, err := orchestrator.InjectEvent(r.Context(), s.store, r.PathValue("id"), in)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: "trip or player not found"})
		return
	case errors.Is(err, orchestrator.ErrTripArchived):
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: err.Error()})
		return
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(OperatorResponse{OK: false, Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(OperatorResponse{OK: true, ActionID: row.ID})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         LoadTLSConfig(),
	}

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			log.Printf("API listening on %s (TLS)", srv.Addr)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Printf("API listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
