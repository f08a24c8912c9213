package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/claimlink/platform/pkg/common/config"
	"github.com/claimlink/platform/pkg/common/database"
	"github.com/claimlink/platform/pkg/common/kafka"
	"github.com/claimlink/platform/pkg/common/logger"
	"github.com/claimlink/platform/pkg/common/middleware"
	"github.com/claimlink/platform/pkg/consent"
	"github.com/claimlink/platform/pkg/observability/metrics"
	"github.com/claimlink/platform/pkg/registry"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init("registry-service")
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := registry.NewIdentityPolicy(cfg.IdentityKey, cfg.ValidateAddress)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid identity configuration")
	}

	catalog, err := consent.LoadCatalog(cfg.ConsentProvidersFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load consent providers")
	}
	if _, ok := catalog.Lookup(cfg.ConsentProvider); !ok {
		logger.Log.WithField("provider", cfg.ConsentProvider).Fatal("consent provider not in catalog")
	}
	consentClient := consent.NewClient(cfg.ConsentTemplateBaseURL, cfg.CallbackURL, catalog)

	repo, closeStore, err := openRepository(ctx, cfg, policy)
	if err != nil {
		logger.Log.WithError(err).WithField("backend", cfg.StoreBackend).Fatal("failed to open user store")
	}
	defer closeStore()

	options := []registry.ServiceOption{}
	if cfg.VerifyWitnesses {
		options = append(options, registry.WithVerifier(registry.NewWitnessAllowlist(catalog)))
	}
	if cfg.EventsEnabled() {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.ClaimEventsTopic)
		defer producer.Close()
		options = append(options, registry.WithPublisher(producer))
	}

	svc := registry.NewService(repo, consentClient, policy, registry.Options{
		AppName:     cfg.ConsentAppName,
		Provider:    cfg.ConsentProvider,
		CallbackURL: cfg.CallbackURL,
		EventSource: cfg.ClaimEventsSource,
	}, options...)

	views, err := registry.NewViews()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to parse views")
	}
	handler := registry.NewHTTPHandler(svc, views, cfg.RedirectBaseURL)

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.CORS,
		middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		middleware.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", metrics.Handler).Methods(http.MethodGet)

	handler.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":     cfg.ServerHost,
			"port":     cfg.ServerPort,
			"backend":  cfg.StoreBackend,
			"identity": policy.Key,
		}).Info("Registry Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Registry Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Registry Service stopped")
}

// openRepository builds the configured store. The returned func releases
// its connections.
func openRepository(ctx context.Context, cfg *config.Config, policy registry.IdentityPolicy) (registry.Repository, func(), error) {
	noop := func() {}

	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		client, err := database.NewDynamoDB(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return registry.NewDynamoRepository(client, cfg.UsersTable, policy.Key, cfg.DynamoCallbackIndex), noop, nil

	case config.BackendPostgres:
		db, err := database.NewPostgres(cfg)
		if err != nil {
			return nil, noop, err
		}
		repo := registry.NewPostgresRepository(db, cfg.UsersTable)
		if err := repo.AutoMigrate(); err != nil {
			_ = database.ClosePostgres(db)
			return nil, noop, fmt.Errorf("migrating %s: %w", cfg.UsersTable, err)
		}
		return repo, func() {
			if err := database.ClosePostgres(db); err != nil {
				logger.Log.WithError(err).Warn("failed to close postgres")
			}
		}, nil

	case config.BackendRedis:
		client, err := database.NewRedis(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return registry.NewRedisRepository(client, cfg.RedisKeyPrefix), func() {
			if err := client.Close(); err != nil {
				logger.Log.WithError(err).Warn("failed to close redis")
			}
		}, nil

	case config.BackendMemory:
		logger.Log.Warn("using in-memory store; records are lost on restart")
		return registry.NewMemoryRepository(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}
