// Package app wires configuration, persistence, status sources and the
// HTTP surface into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/canvas/internal/admission"
	"github.com/seantiz/canvas/internal/api"
	"github.com/seantiz/canvas/internal/config"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/notify"
	"github.com/seantiz/canvas/internal/orchestrator"
	"github.com/seantiz/canvas/internal/projector"
	"github.com/seantiz/canvas/internal/result"
	"github.com/seantiz/canvas/internal/settings"
	"github.com/seantiz/canvas/internal/source"
	"github.com/seantiz/canvas/internal/source/local"
	"github.com/seantiz/canvas/internal/source/remote"
	"github.com/seantiz/canvas/internal/store"
)

// App is a fully wired service.
type App struct {
	Server       *api.Server
	Orchestrator *orchestrator.Orchestrator
	Registry     *source.Registry

	db     *store.SQLiteStore
	broker *projector.Broker
	logger *slog.Logger
}

// New opens the database and builds every component from cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a, err := build(ctx, cfg, db, logger)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return a, nil
}

func build(ctx context.Context, cfg config.Config, db *store.SQLiteStore, logger *slog.Logger) (*App, error) {
	if _, err := db.EnsureBalance(ctx, cfg.InitialCredits); err != nil {
		return nil, fmt.Errorf("initialize balance: %w", err)
	}
	ledger := admission.NewLedger(db)

	prefs := settings.New(db, settings.Preferences{
		Mode:      cfg.DefaultMode,
		ServerURL: cfg.RemoteURL,
		APIKey:    cfg.RemoteAPIKey,
	})
	p, err := prefs.Get(ctx)
	if err != nil {
		return nil, err
	}

	reg := source.NewRegistry()
	reg.Register(model.ModeRemote, remote.New(
		remote.NewClient(nil),
		prefs,
		remote.Options{PollInterval: cfg.PollInterval},
		logger.With("component", "remote"),
	))
	if cfg.LocalEngineSocket != "" {
		reg.Register(model.ModeLocal, local.New(cfg.LocalEngineSocket, logger.With("component", "local")))
	}

	files, err := result.NewFileStore(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact dir: %w", err)
	}
	results := result.New(result.NewCache(cfg.CacheSize), files, db, ledger, logger.With("component", "result"))

	sinks := []notify.Sink{notify.LogSink{Logger: logger.With("component", "notify")}}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			logger.Error("telegram notifications disabled", "error", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	notifier := notify.New(sinks, []notify.Analytics{notify.MetricsAnalytics{}}, logger.With("component", "notify"))

	balance, err := ledger.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	broker := projector.NewBroker()
	holder := projector.NewHolder(projector.Initial(model.DefaultForm(p.Mode), balance), broker)

	orch := orchestrator.New(orchestrator.Config{
		Holder:   holder,
		Sources:  reg,
		Ledger:   ledger,
		Results:  results,
		Notifier: notifier,
		Records:  db,
		Logger:   logger.With("component", "orchestrator"),
	})

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:        db,
		Registry:     reg,
		Orchestrator: orch,
		Holder:       holder,
		Broker:       broker,
		Ledger:       ledger,
		Results:      results,
		Settings:     prefs,
	}, logger)

	logger.Info("service wired",
		"balance", balance,
		"default_mode", p.Mode,
		"local_engine", cfg.LocalEngineSocket != "",
		"telegram", cfg.TelegramEnabled(),
	)

	return &App{
		Server:       srv,
		Orchestrator: orch,
		Registry:     reg,
		db:           db,
		broker:       broker,
		logger:       logger,
	}, nil
}

// Run serves HTTP until a shutdown signal arrives, then releases everything.
func (a *App) Run() error {
	err := a.Server.Run()
	a.Close()
	return err
}

// Close cancels any in-flight job and closes the database.
func (a *App) Close() {
	a.Orchestrator.Close()
	a.broker.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database", "error", err)
	}
}
