package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docworkshop/internal/app"
	"github.com/Lllllllleong/docworkshop/internal/config"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	instance *app.App
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("DocWorkshop", docWorkshop)
	functions.CloudEvent("SweepExpired", sweepExpired)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() (*app.App, error) {
	once.Do(func() {
		var cfg *config.Config
		cfg, initErr = config.Load(os.Getenv("DOCWORKSHOP_CONFIG"))
		if initErr != nil {
			return
		}
		instance, initErr = app.New(context.Background(), cfg, app.Options{})
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
	}
	return instance, initErr
}

// docWorkshop serves the whole HTTP API from a single function.
func docWorkshop(w http.ResponseWriter, r *http.Request) {
	a, err := setup()
	if err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	a.Router.ServeHTTP(w, r)
}

// sweepExpired runs one sweep pass, typically triggered by a Cloud Scheduler topic.
func sweepExpired(ctx context.Context, e cloudevents.Event) error {
	a, err := setup()
	if err != nil {
		return err
	}
	removed, err := a.Sweeper.SweepOnce(ctx)
	if err != nil {
		slog.Error("Sweep failed.", "event", e.ID(), "error", err)
		return err
	}
	slog.Info("Sweep triggered by event.", "event", e.ID(), "removed", removed)
	return nil
}
