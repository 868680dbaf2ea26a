// Package main is the entry point for the Tradecore API
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/api"
	"github.com/raghurammutya/tradecore/internal/api/middleware"
	"github.com/raghurammutya/tradecore/internal/config"
	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/repository"
	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/internal/upstream"
	"github.com/raghurammutya/tradecore/pkg/breaker"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print the configuration
	fmt.Println(cfg.String())

	// Connect to Postgres
	db, err := repository.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	// Connect Redis
	redisClient, err := repository.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Init logger
	err = zaplogger.InitLogger(db)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zaplogger.Sync()
	zaplogger.SetLogLevel(cfg.Server.LogLevel)

	zaplogger.Info("Tradecore API initialized")
	zaplogger.Info("Postgres initialized")
	zaplogger.Info("Redis initialized")

	// Repositories
	instrumentRepo := repository.NewInstrumentRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	taskRepo := repository.NewOrderTaskRepository(db)
	tokenFiles, err := repository.NewTokenFileRepository(cfg.Token.Dir)
	if err != nil {
		log.Fatalf("Failed to open token store: %v", err)
	}

	// Metrics
	m, promReg := metrics.NewRegistry()

	// Broker clients
	rest := upstream.NewRESTClient(cfg.Broker.APIURL)

	// Core services
	instruments := service.NewInstrumentService(instrumentRepo, rest, cfg.Broker.InstrumentsURL)
	bus := service.NewTickBus(cfg.Bus.SubscriberQueue, m)
	greeks := service.NewGreeksService(instruments, cfg.Greeks.RiskFreeRate, cfg.Greeks.CacheSize, m, func(tick models.Tick) {
		bus.Publish(tick)
	})
	reconciler := service.NewReconciler(cfg.Reconciler.MinInterval(), cfg.Reconciler.PerAccountMaxTokens, m)
	reconciler.SetInstrumentFilter(instruments.IsActive)
	instruments.OnRegistryChange(reconciler.Kick)
	refresher := service.NewTokenRefresher(rest, tokenFiles, cfg.Accounts,
		time.Duration(cfg.Token.PreemptiveMinutes)*time.Minute, m)
	gateway := service.NewRESTBrokerGateway(rest, refresher)
	executor := service.NewOrderExecutor(cfg.Order.HMACSecret, taskRepo, gateway, service.ExecutorConfig{
		QueueSize:   cfg.Order.QueueSize,
		MaxAttempts: cfg.Order.Retry.MaxAttempts,
		BackoffBase: cfg.Order.Retry.RetryBase(),
		BackoffCap:  cfg.Order.Retry.RetryCap(),
		Breaker: breaker.Config{
			ConsecutiveFailures: cfg.Order.Circuit.ConsecutiveFailures,
			OpenDuration:        time.Duration(cfg.Order.Circuit.OpenDurationS) * time.Second,
		},
	}, m)
	modes := service.NewModeService(service.NewHTTPCalendarClient(cfg.Calendar.BaseURL))
	publisher := service.NewPublishService(redisClient, cfg.Postgres.DSN, bus)
	crons := service.NewCronService(instruments, refresher, cfg.Token.RefreshHour)

	accounts := service.NewAccountService(accountRepo)
	accounts.SyncFromConfig(cfg.Accounts)

	supervisor := service.NewSupervisor(bus, greeks, reconciler, executor, refresher, modes, publisher, crons, instruments, cfg.Calendar.Code)
	supervisor.SetAccountRegistry(accounts)

	// One session orchestrator per configured account
	for _, a := range cfg.Accounts {
		policy := a.Mode
		if policy == "" {
			policy = "auto"
		}
		orch := service.NewSessionOrchestrator(a.ID, a.Priority, cfg.Broker.WSURL, refresher, instruments, reconciler, m, greeks.Submit)
		supervisor.AddAccount(policy, orch)
	}

	// Engine lifecycle is bound to the process signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan error, 1)
	go func() { engineDone <- supervisor.Run(ctx) }()

	// Create a new Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Setup middleware
	middleware.SetupLoggerMiddleware(e)

	// Setup routes
	api.SetupRoutes(e, api.Deps{
		Config:      cfg,
		Supervisor:  supervisor,
		Executor:    executor,
		Instruments: instruments,
		Accounts:    accounts,
		Metrics:     m,
		PromReg:     promReg,
	})

	// Start the server
	go startServer(e, cfg)

	<-ctx.Done()
	zaplogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zaplogger.Error("http shutdown failed", zaplogger.Fields{"error": err.Error()})
	}
	if err := <-engineDone; err != nil && err != context.Canceled {
		zaplogger.Error("engine exited with error", zaplogger.Fields{"error": err.Error()})
	}
	zaplogger.Info("shutdown complete")
}

// startServer starts the Echo server on the specified port
func startServer(e *echo.Echo, cfg *config.Config) {
	port := cfg.Server.Port
	if port == "" {
		port = "3007"
	}
	zaplogger.Info("SERVER STARTED ON PORT " + port)
	if err := e.Start(":" + port); err != nil {
		zaplogger.Info("server stopped: " + err.Error())
	}
}
