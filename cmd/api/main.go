// Command api serves the webhooks and operator endpoints without the
// worker loops, for deployments that scale the two separately.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/AaronLay10/SentientTrips/internal/api"
	"github.com/AaronLay10/SentientTrips/internal/app"
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

	app.LogEvent("info", "system.startup", "api starting", map[string]interface{}{
		"service":  "api",
		"stage":    a.Config.Stage,
		"version":  version.Version,
		"hostname": app.Hostname(),
		"port":     a.Config.ServerPort(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := server.ListenAndServe(ctx); err != nil {
		app.LogEvent("error", "system.error", "api server stopped", map[string]interface{}{"error": err.Error()})
		return
	}
	app.LogEvent("info", "system.shutdown", "api stopped", nil)
}
