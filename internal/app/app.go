// Package app wires configuration into the running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docworkshop/internal/artifacts"
	"github.com/Lllllllleong/docworkshop/internal/config"
	"github.com/Lllllllleong/docworkshop/internal/gcp"
	"github.com/Lllllllleong/docworkshop/internal/metrics"
	"github.com/Lllllllleong/docworkshop/internal/pdfops"
	"github.com/Lllllllleong/docworkshop/internal/server"
	"github.com/Lllllllleong/docworkshop/internal/services"
	"github.com/Lllllllleong/docworkshop/internal/workspace"
	"github.com/labstack/echo/v4"
)

// App is the assembled service.
type App struct {
	Config     *config.Config
	Router     *echo.Echo
	Dispatcher *services.Dispatcher
	Intake     *services.Intake
	Sweeper    *services.Sweeper
	Metrics    *metrics.Metrics

	closers []func() error
}

// Options overrides collaborators that are normally built from configuration.
type Options struct {
	Runner pdfops.Runner
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := workspace.NewPolicy(cfg.Storage)
	sessions, err := workspace.NewSessionStore(policy, locker)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	store, target, err := a.newArtifactStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var ledger services.ArtifactLedger
	if cfg.Ledger.ProjectID != "" {
		l, err := gcp.NewLedger(ctx, cfg.Ledger.ProjectID, cfg.Ledger.Collection)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		ledger = l
		slog.Info("Artifact ledger enabled.", "project", cfg.Ledger.ProjectID, "collection", cfg.Ledger.Collection)
	}

	a.Dispatcher = services.NewDispatcher(cfg, services.Dependencies{
		Sessions:  sessions,
		Locker:    locker,
		Artifacts: store,
		Ledger:    ledger,
		Runner:    opts.Runner,
		Metrics:   a.Metrics,
	})
	a.Intake = services.NewIntake(policy, sessions, a.Metrics)

	a.Sweeper, err = services.NewSweeper(cfg.Sweep, cfg.Storage.ArtifactTTL, a.Metrics, sessions, target)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Router = server.NewRouter(server.HandlerConfig{
		Intake:     a.Intake,
		Dispatcher: a.Dispatcher,
		Artifacts:  store,
		Metrics:    a.Metrics,
		MaxUpload:  policy.MaxUploadSize(),
		Debug:      cfg.Server.Debug,
	})
	return a, nil
}

func (a *App) newLocker(ctx context.Context) (workspace.Locker, error) {
	if a.Config.Lock.Backend != "redis" {
		return workspace.NewMemoryLocker(), nil
	}
	rc := a.Config.Redis
	client, err := workspace.NewRedisClient(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	slog.Info("Using redis session locks.", "addr", rc.Addr)
	return workspace.NewRedisLocker(client, a.Config.Lock.TTL), nil
}

// artifactStore is satisfied by both the local and the bucket-backed stores.
type artifactStore interface {
	services.ArtifactStore
	services.SweepTarget
}

func (a *App) newArtifactStore(ctx context.Context) (services.ArtifactStore, services.SweepTarget, error) {
	sc := a.Config.Storage
	var store artifactStore
	if sc.GCSBucket != "" {
		bucket, err := gcp.NewArtifactBucket(ctx, sc.GCSBucket, sc.GCSPrefix, sc.ArtifactTTL)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, bucket.Close)
		slog.Info("Storing artifacts in GCS.", "bucket", sc.GCSBucket, "prefix", sc.GCSPrefix)
		store = bucket
	} else {
		local, err := artifacts.NewLocalStore(sc.ProcessedRoot, sc.ArtifactTTL)
		if err != nil {
			return nil, nil, err
		}
		store = local
	}
	return store, store, nil
}

// Close releases external clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
