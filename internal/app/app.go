// Package app assembles a running crewdeck instance from its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"crewdeck/internal/config"
	"crewdeck/internal/db"
	"crewdeck/internal/events"
	"crewdeck/internal/logging"
	"crewdeck/internal/messagebus"
	"crewdeck/internal/migrate"
	"crewdeck/internal/notify"
	"crewdeck/internal/orchestrator"
	"crewdeck/internal/server"
	"crewdeck/internal/store"
	"crewdeck/internal/supervisor"
	"crewdeck/internal/telemetry"
	"crewdeck/internal/templates"
)

const shutdownTimeout = 5 * time.Second

// App owns every long-lived component of a serve process.
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Hub          *events.Hub
	Supervisor   *supervisor.Supervisor
	Templates    *templates.Catalog
	Telemetry    *telemetry.Telemetry
	Handler      http.Handler

	log     *zap.Logger
	cancel  context.CancelFunc
	closers []func()
}

// New wires the components and restores persisted projects.
func New(ctx context.Context, cfg *config.Config, dataDir string, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logging.OrNop(log)
	a := &App{Config: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, closeStore, err := OpenStore(ctx, cfg, dataDir, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	a.Supervisor = supervisor.New(log)
	a.Telemetry = telemetry.New(a.Supervisor.Active)

	hubOpts := []events.Option{events.WithObserver(a.Telemetry)}
	if cfg.NATS.URL != "" {
		busCfg := messagebus.Config{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix}
		nc, err := messagebus.Connect(busCfg, log)
		if err != nil {
			return nil, err
		}
		mirror := messagebus.NewMirror(nc, busCfg, log)
		hubOpts = append(hubOpts, events.WithSink(mirror))
		a.closers = append(a.closers, func() {
			mirror.Close()
			if err := nc.Drain(); err != nil {
				log.Warn("drain nats", zap.Error(err))
			}
		})
	}
	if len(cfg.Webhooks) > 0 {
		hooks := notify.NewDispatcher(cfg.Webhooks, nil, log)
		if hooks.Len() > 0 {
			hubOpts = append(hubOpts, events.WithSink(hooks))
			a.closers = append(a.closers, hooks.Close)
		}
	}
	a.Hub = events.NewHub(cfg.Broadcast.QueueSize, log, hubOpts...)

	a.Templates = templates.New(cfg.Data.TasksRoot, log)
	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.Templates.Watch(watchCtx)

	a.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Store:      st,
		Supervisor: a.Supervisor,
		Hub:        a.Hub,
		Templates:  a.Templates,
		Recorder:   a.Telemetry,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Orchestrator.Load(ctx); err != nil {
		return nil, err
	}

	a.Handler, err = server.New(server.Config{
		Orchestrator: a.Orchestrator,
		Hub:          a.Hub,
		Templates:    a.Templates,
		Metrics:      a.Telemetry.Handler(),
		BasePath:     cfg.Server.BasePath,
		Keepalive:    cfg.Broadcast.Keepalive,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// OpenStore returns the snapshot backend selected by data.store.
func OpenStore(ctx context.Context, cfg *config.Config, dataDir string, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.Data.Store {
	case config.StoreSQLite:
		conn, err := db.Open(db.Config{Dir: dataDir})
		if err != nil {
			return nil, nil, err
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			logging.OrNop(log).Info("migrations applied", zap.Strings("migrations", applied))
		}
		return store.SQLiteStore{DB: conn, Log: log}, closeDB(conn, log), nil
	default:
		return store.FileStore{Root: cfg.Data.ProjectsRoot, Log: log}, func() {}, nil
	}
}

func closeDB(conn *sql.DB, log *zap.Logger) func() {
	return func() {
		if err := conn.Close(); err != nil {
			logging.OrNop(log).Warn("close database", zap.Error(err))
		}
	}
}

// Serve listens on server.addr until ctx is done, then shuts down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: a.Config.Server.Addr, Handler: a.Handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Hub.Close()
		srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("serving", zap.String("addr", a.Config.Server.Addr), zap.String("base_path", a.Config.Server.BasePath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops workflow processes and releases every resource.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Supervisor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.Supervisor.Shutdown(ctx); err != nil {
			a.log.Warn("stop workflow processes", zap.Error(err))
		}
		cancel()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
