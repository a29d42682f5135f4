// Package app wires the configured stores, repositories and services into
// one container shared by the CLI and the server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"droptrace/internal/config"
	"droptrace/internal/db"
	"droptrace/internal/metrics"
	"droptrace/internal/migrate"
	"droptrace/internal/notify"
	"droptrace/internal/repo"
	"droptrace/internal/report"
	"droptrace/internal/store"
	"droptrace/internal/tracker"
)

type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Gateway  *store.Gateway
	Repo     *repo.Repo
	Tracker  *tracker.Tracker
	Metrics  *metrics.Aggregator
	Reports  *report.Generator
	Notifier *notify.Notifier

	// SchemaVersion is the fallback store's schema version after migration.
	SchemaVersion int

	cancel context.CancelFunc
}

// New builds the container and starts the background reconciler. Without a
// primary DSN the app runs against an in-process store; data then lives
// only as long as the process.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open fallback store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate fallback store: %w", err)
	}
	schemaVersion, err := migrate.Version(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read fallback schema version: %w", err)
	}
	local := store.NewLocal(conn)

	var primary store.Backend
	if cfg.Store.PrimaryDSN != "" {
		primary, err = store.OpenRemote(cfg.Store.PrimaryDSN)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open primary store: %w", err)
		}
	} else {
		log.Warn("no primary store configured, running in-process")
		primary = store.NewMemory()
	}

	gw := store.NewGateway(primary, local, cfg.Store.Timeout.Std(), log)
	r := repo.New(gw, log)
	tr := tracker.New(r, log)
	tr.LockWait = cfg.Tracker.LockWait.Std()
	tr.SessionTTL = cfg.Tracker.SessionTTL.Std()
	agg := metrics.New(r, log)
	gen := report.New(r, agg, log)
	if cfg.Report.SampleThreshold > 0 {
		gen.SampleThreshold = cfg.Report.SampleThreshold
	}

	a := &App{
		Config:        cfg,
		Log:           log,
		Gateway:       gw,
		Repo:          r,
		Tracker:       tr,
		Metrics:       agg,
		Reports:       gen,
		Notifier:      notify.New(cfg.Notifications, r, log),
		SchemaVersion: schemaVersion,
	}
	if cfg.Store.PrimaryDSN != "" {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.cancel = cancel
		go gw.RunReconciler(rctx, cfg.Store.ReconcileInterval.Std())
	}
	return a, nil
}

// Close stops the reconciler and closes both stores.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.Gateway.Close()
}
