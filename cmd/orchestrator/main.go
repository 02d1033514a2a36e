package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/alerts"
	"github.com/AaronLay10/SentientTrips/internal/api"
	"github.com/AaronLay10/SentientTrips/internal/app"
	"github.com/AaronLay10/SentientTrips/internal/mqtt"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
	"github.com/AaronLay10/SentientTrips/internal/version"
)

func main() {
	configPath := flag.String("config", app.DefaultConfigPath, "path to worker.yaml")
	flag.Parse()

	a, err := app.Load(*configPath)
	if err != nil {
		app.LogEvent("error", "system.error", "startup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer a.Close()

	app.LogEvent("info", "system.startup", "orchestrator starting", map[string]interface{}{
		"service":  "orchestrator",
		"stage":    a.Config.Stage,
		"version":  version.Version,
		"hostname": app.Hostname(),
		"pid":      os.Getpid(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	dbMonitor := alerts.NewMonitor(a.Reporter, alerts.AlertDatabaseUnavailable, "database", alerts.SeverityCritical, time.Minute)
	run(func() {
		dbMonitor.Run(15*time.Second, func() bool {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return a.Store.Ping(pingCtx) == nil
		}, ctx.Done())
	})

	var validator *telephony.Validator
	if a.Secrets.TwilioAuthToken != "" {
		validator = telephony.NewValidator(a.Secrets.TwilioAuthToken)
	}
	api.InitAuth(a.Secrets)
	api.InitTLS(a.Config.Server.Host)
	server := api.NewServer(api.Config{
		Port:      a.Config.ServerPort(),
		PublicURL: a.Config.BaseURL(),
		Stage:     a.Config.Stage,
	}, a.Store, a.Calls, validator)

	if a.Config.MQTT.URL != "" {
		startMQTT(ctx, a, server, run)
	}

	run(func() { a.Worker().Run(ctx) })
	run(func() {
		if err := server.ListenAndServe(ctx); err != nil {
			app.LogEvent("error", "system.error", "api server stopped", map[string]interface{}{"error": err.Error()})
			stop()
		}
	})

	<-ctx.Done()
	wg.Wait()
	app.LogEvent("info", "system.shutdown", "orchestrator stopped", nil)
}

// startMQTT connects the broker bridge. A broker that is down at startup
// is retried in the background and reported by the monitor.
func startMQTT(ctx context.Context, a *app.App, server *api.Server, run func(func())) {
	clientID := a.Config.MQTT.ClientID
	if clientID == "" {
		clientID = "trips-" + a.Config.Stage
	}

	var bridge *mqtt.Bridge
	client := mqtt.NewClient(a.Config.MQTT.URL, clientID, func() {
		if err := bridge.Subscribe(); err != nil {
			app.LogEvent("warn", "system.error", "mqtt subscribe failed", map[string]interface{}{"error": err.Error()})
		}
	})
	bridge = mqtt.NewBridge(client, a.Store, a.Config.MQTT.TopicPrefix)
	server.SetMQTTStatus(client.IsConnected)

	if err := client.Connect(); err != nil {
		app.LogEvent("warn", "system.error", "mqtt connect failed, retrying", map[string]interface{}{"error": err.Error()})
	}

	monitor := alerts.NewMonitor(a.Reporter, alerts.AlertMQTTDisconnected, "mqtt", alerts.SeverityWarning, time.Minute)
	run(func() { monitor.Run(10*time.Second, client.IsConnected, ctx.Done()) })
	run(func() { bridge.Forward(ctx) })
	run(func() {
		<-ctx.Done()
		client.Disconnect()
	})
}
