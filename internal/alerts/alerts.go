// Package alerts forwards operational failures to an error-tracking webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Alert severity levels
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert event types
const (
	AlertActionFailed        = "action_failed"
	AlertProviderError       = "provider_error"
	AlertMQTTDisconnected    = "mqtt_disconnected"
	AlertDatabaseUnavailable = "database_unavailable"
	AlertSweepFailed         = "maintenance_failed"
)

// Payload is the JSON structure sent to the webhook.
type Payload struct {
	Stage     string                 `json:"stage"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	TripID    string                 `json:"trip_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Reporter receives alerts. Implementations must not block the caller.
type Reporter interface {
	Report(event, severity, tripID, message string, details map[string]interface{})
}

// Webhook posts alerts as JSON. With no URL configured alerts are only
// written to the process log.
type Webhook struct {
	url    string
	stage  string
	client *http.Client

	wg sync.WaitGroup
}

func NewWebhook(url, stage string) *Webhook {
	if url != "" {
		log.Printf("Alerts enabled: webhook URL configured (stage=%s)", stage)
	}
	return &Webhook{
		url:    url,
		stage:  stage,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Report sends the alert in the background.
func (w *Webhook) Report(event, severity, tripID, message string, details map[string]interface{}) {
	if w.url == "" {
		log.Printf("[ALERT] %s severity=%s trip=%s msg=%q details=%v", event, severity, tripID, message, details)
		return
	}

	payload := Payload{
		Stage:     w.stage,
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Severity:  severity,
		TripID:    tripID,
		Message:   message,
		Details:   details,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Deliver(ctx, payload); err != nil {
			log.Printf("alert: %v", err)
		}
	}()
}

// Deliver performs the HTTP POST.
func (w *Webhook) Deliver(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish. Used at shutdown.
func (w *Webhook) Wait() {
	w.wg.Wait()
}
