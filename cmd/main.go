package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/db"
	"github.com/senyabanana/harvest-negotiation/internal/handlers"
	"github.com/senyabanana/harvest-negotiation/internal/repository"
	"github.com/senyabanana/harvest-negotiation/internal/router"
	"github.com/senyabanana/harvest-negotiation/internal/router/config"
	"github.com/senyabanana/harvest-negotiation/internal/services"
	"github.com/senyabanana/harvest-negotiation/internal/sweep"
	"github.com/senyabanana/harvest-negotiation/internal/transport"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.Fatal("cannot load config: ", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDBMigration(logger, cfg.MigrationURL, cfg.DatabaseURL())

	dbPool, err := db.InitDb(cfg)
	if err != nil {
		logger.Fatalf("error initializing database: %v", err)
	}
	defer dbPool.Close()

	rdb, locker, err := db.InitRedis(ctx, cfg)
	if err != nil {
		config.LogError(logger, "main", "main", "redis unavailable, running without cache and sweep lease", cfg.RedisAddress, err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var (
		sender services.Sender         = transport.LogTransport{Logger: logger}
		events services.EventPublisher = transport.LogTransport{Logger: logger}
	)
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kafkaSender, err := transport.NewKafkaSender(brokers, cfg.KafkaTopicPrefix)
		if err != nil {
			logger.Fatalf("error initializing kafka sender: %v", err)
		}
		defer kafkaSender.Close()
		kafkaEvents, err := transport.NewKafkaEventPublisher(brokers, cfg.KafkaTopicPrefix)
		if err != nil {
			logger.Fatalf("error initializing kafka publisher: %v", err)
		}
		defer kafkaEvents.Close()
		sender, events = kafkaSender, kafkaEvents
	}

	requestRepo := repository.NewPostgresRequestRepository(dbPool)
	listingRepo := repository.NewPostgresListingRepository(dbPool)
	contacts := repository.NewCachedContactDirectory(
		repository.NewPostgresContactRepository(dbPool, cfg.DefaultPhoneRegion, logger),
		rdb,
		cfg.ContactCacheTTL,
		logger,
	)

	requestService := services.NewRequestService(services.Dependencies{
		Repo:     requestRepo,
		Listings: listingRepo,
		Contacts: contacts,
		Sender:   sender,
		Events:   events,
		Policy: services.Policy{
			RequestTTL: cfg.RequestTTL,
			Retry: services.RetryPolicy{
				FirstRetryDelay: cfg.IVRFirstRetryDelay,
				RetryDelay:      cfg.IVRRetryDelay,
				MaxAttempts:     cfg.IVRMaxAttempts,
			},
			ConflictRetries: cfg.ConflictRetries,
		},
		Logger: logger,
	})
	sweeper := sweep.NewSweeper(requestRepo, requestService, locker, cfg.SweepInterval, cfg.SweepBatchSize, logger)

	requestHandler := handlers.NewRequestHandler(requestService, logger, cfg.HandlerTimeout)
	maintenanceHandler := handlers.NewMaintenanceHandler(requestService, sweeper, logger, cfg.HandlerTimeout)

	checks := map[string]handlers.Pinger{"postgres": dbPool.Ping}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	routes := router.InitRoutes(handlers.NewPingHandler(cfg.HandlerTimeout, checks), requestHandler, maintenanceHandler)

	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			config.LogError(logger, "main", "sweeper", "sweeper stopped", nil, err)
		}
	}()

	server := &http.Server{Addr: cfg.ServerAddress, Handler: routes}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			config.LogError(logger, "main", "shutdown", "graceful shutdown failed", nil, err)
		}
	}()

	logger.Infof("server is listening on %s...", cfg.ServerAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server failed: %v", err)
	}
}

func runDBMigration(logger *logrus.Logger, migrationURL string, dbSource string) {
	migration, err := migrate.New(migrationURL, dbSource)
	if err != nil {
		logger.Fatal("cannot create a new migrate instance: ", err)
	}

	if err = migration.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Fatal("failed to run migrate up: ", err)
	}
	logger.Info("db migrated successfully")
}
