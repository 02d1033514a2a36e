// Package app wires the store, kernel, relay layer and call handling from
// worker.yaml, for the binaries under cmd/.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/alerts"
	"github.com/AaronLay10/SentientTrips/internal/callcontrol"
	"github.com/AaronLay10/SentientTrips/internal/config"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/maintenance"
	"github.com/AaronLay10/SentientTrips/internal/orchestrator"
	"github.com/AaronLay10/SentientTrips/internal/relay"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

// DefaultConfigPath is where the binaries look for worker.yaml.
const DefaultConfigPath = "worker.yaml"

// LogLine is one structured line on stdout.
type LogLine struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogEvent prints a process lifecycle line. Trip activity goes through the
// events package instead.
func LogEvent(level, event, msg string, fields map[string]interface{}) {
	line := LogLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Event:     event,
		Message:   msg,
		Fields:    fields,
	}
	b, _ := json.Marshal(line)
	fmt.Println(string(b))
}

// App holds the long-lived components shared by every binary.
type App struct {
	Config   *config.WorkerConfig
	Secrets  *config.Secrets
	Store    *storage.Client
	Reporter *alerts.Webhook
	Provider telephony.Provider
	Rules    *script.Rules
	Kernel   *kernel.Kernel
	Relays   *relay.Controller
	Calls    *callcontrol.Handler
	Sweeper  *maintenance.Sweeper
}

// Load reads worker.yaml at path, resolves secrets and opens the store.
func Load(path string) (*App, error) {
	cfg, err := config.LoadWorkerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	if secrets.TwilioAuthToken == "" || cfg.Telephony.AccountSID == "" {
		log.Printf("telephony credentials missing; outbound calls and texts will fail")
	}
	return New(cfg, secrets, store, telephony.NewTwilio(cfg.Telephony.AccountSID, secrets.TwilioAuthToken)), nil
}

// OpenStore opens the database worker.yaml names. Postgres settings come
// from the PG* environment variables.
func OpenStore(cfg *config.WorkerConfig) (*storage.Client, error) {
	switch cfg.Database.Driver {
	case "", "postgres":
		return storage.New()
	case "sqlite3":
		path := cfg.Database.Path
		if path == "" {
			path = "trips.db"
		}
		return storage.Open("sqlite3", path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// New wires the components around an open store and a provider.
func New(cfg *config.WorkerConfig, secrets *config.Secrets, store *storage.Client, provider telephony.Provider) *App {
	a := &App{
		Config:   cfg,
		Secrets:  secrets,
		Store:    store,
		Reporter: alerts.NewWebhook(cfg.Alerts.WebhookURL, cfg.Stage),
		Provider: provider,
		Rules:    script.NewRules(),
	}
	events.SetSink(store)

	guard := telephony.NewGuard(cfg.IsProduction(), cfg.Telephony.TestNumbers)
	a.Relays = relay.NewController(store, relay.NewDirectory(store, cfg.Stage), provider, guard, a.Reporter, cfg.BaseURL())
	a.Kernel = kernel.New(store, a.Rules, a.Relays.Effects())
	a.Calls = callcontrol.NewHandler(store, a.Kernel, a.Relays, provider, cfg.Telephony.Voice)
	a.Sweeper = maintenance.NewSweeper(store, provider, cfg, a.Reporter)
	return a
}

// Worker builds the scheduler and runner loops plus the maintenance sweep.
// With no mutation enabled in worker.yaml the sweep only plans.
func (a *App) Worker() *orchestrator.Worker {
	w := orchestrator.NewWorker(
		orchestrator.NewScheduler(a.Store, a.Kernel, a.Rules),
		orchestrator.NewRunner(a.Store, a.Kernel, a.Reporter),
		orchestrator.WorkerConfig{
			SchedulerInterval: a.Config.SchedulerInterval(),
			RunnerInterval:    a.Config.RunnerInterval(),
			Lookahead:         a.Config.Lookahead(),
		},
	)
	w.AddLoop(orchestrator.NewLoop("maintenance", a.Config.MaintenanceInterval(), a.MaintenancePass))
	return w
}

// SweepOptions maps the maintenance section of worker.yaml.
func (a *App) SweepOptions() maintenance.Options {
	m := a.Config.Maintenance
	return maintenance.Options{
		DeleteRelays:  m.DeleteRelays,
		DeleteNumbers: m.DeleteNumbers,
		UpdateHosts:   m.UpdateHosts,
		InactiveDays:  a.Config.InactiveDays(),
		Limit:         a.Config.MaintenanceLimit(),
	}
}

// MaintenancePass is the maintenance loop body.
func (a *App) MaintenancePass(ctx context.Context) error {
	_, err := a.Sweeper.PruneNumbers(ctx, a.SweepOptions())
	return err
}

// Close flushes pending alerts and closes the store.
func (a *App) Close() {
	a.Reporter.Wait()
	events.SetSink(nil)
	if err := a.Store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

// Hostname is reported in startup lines.
func Hostname() string {
	h, _ := os.Hostname()
	return h
}
