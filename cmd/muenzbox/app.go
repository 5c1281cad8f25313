package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/adapters"
	"github.com/muenzbox/muenzbox/adapters/control"
	"github.com/muenzbox/muenzbox/adapters/holidays"
	"github.com/muenzbox/muenzbox/adapters/mongo"
	"github.com/muenzbox/muenzbox/adapters/sqlite"
	"github.com/muenzbox/muenzbox/domain/repositories"
	"github.com/muenzbox/muenzbox/internal/auth"
	"github.com/muenzbox/muenzbox/internal/config"
	"github.com/muenzbox/muenzbox/internal/websocket"
	"github.com/muenzbox/muenzbox/usecase"
)

// app holds the wired process components.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      repositories.Store
	dispatcher *control.Dispatcher
	hub        *websocket.Hub
	sessions   *usecase.SessionService
	allowance  *usecase.AllowanceService
	household  *usecase.HouseholdService
	issuer     *auth.Issuer
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (repositories.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory store, data is lost on exit")
		return adapters.NewMemoryStore(), nil
	case config.DriverMongo:
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		store, err := mongo.NewStore(ctx, client, logger)
		if err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		return store, nil
	default:
		return sqlite.Open(ctx, cfg.SQLitePath, logger)
	}
}

func loadApp(ctx context.Context, envFile string) (*app, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	calendar, err := holidays.NewCalendar(cfg.HolidayRegion)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	clock := repositories.SystemClock{}
	dispatcher := control.NewDispatcher(cfg.Control, logger)
	hub := websocket.NewHub(logger)

	sessions := usecase.NewSessionService(store, dispatcher, clock, calendar, hub,
		usecase.SessionServiceConfig{Location: cfg.Location, Routes: cfg.Routes}, logger)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
		sessions:   sessions,
		allowance:  usecase.NewAllowanceService(store, clock, hub, logger),
		household: usecase.NewHouseholdService(store, dispatcher, sessions, clock, calendar,
			usecase.HouseholdConfig{AdminPIN: cfg.Auth.AdminPIN, Location: cfg.Location}, logger),
		issuer: auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.ChildTTL, cfg.Auth.AdminTTL),
	}

	logger.Info("Application configured",
		zap.String("store", cfg.Store.Driver),
		zap.String("timezone", cfg.Location.String()),
		zap.String("holidays", calendar.Region()),
		zap.Bool("mock_hardware", cfg.Control.Mock))
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("Failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
