package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/version"
)

// metricsHandler returns Prometheus-compatible metrics in text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.started).Seconds()
	wsClients := events.SubscriberCount()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	counts, err := s.store.CountActions(ctx)
	dbUp := 1
	if err != nil {
		dbUp = 0
	}

	mqttConnected := -1
	if s.mqttConnected != nil {
		mqttConnected = 0
		if s.mqttConnected() {
			mqttConnected = 1
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeMetric := func(name, mtype, help string, value interface{}, labels string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
	}

	labels := fmt.Sprintf(`stage="%s",instance="%s",version="%s"`, s.cfg.Stage, hostname, version.Version)

	writeMetric("trips_uptime_seconds", "gauge",
		"Number of seconds since the process started", uptime, labels)
	writeMetric("trips_database_up", "gauge",
		"Whether the database answered the last query (1) or not (0)", dbUp, labels)
	writeMetric("trips_actions_pending", "gauge",
		"Scheduled actions not yet applied or failed", counts.Pending, labels)
	writeMetric("trips_actions_failed", "gauge",
		"Scheduled actions marked failed", counts.Failed, labels)
	writeMetric("trips_actions_applied", "gauge",
		"Scheduled actions applied", counts.Applied, labels)
	writeMetric("trips_mqtt_connected", "gauge",
		"Whether the MQTT broker is connected (1), not (0), or disabled (-1)", mqttConnected, labels)
	writeMetric("trips_ws_clients", "gauge",
		"Number of active event stream subscribers", wsClients, labels)
}
