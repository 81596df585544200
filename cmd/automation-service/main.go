package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/medofficehq/automation/pkg/automation"
	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/medofficehq/automation/pkg/common/database"
	"github.com/medofficehq/automation/pkg/common/kafka"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/gateway/middleware"
	"github.com/medofficehq/automation/pkg/gateway/routes"
	"github.com/medofficehq/automation/pkg/observability/metrics"
	"github.com/medofficehq/automation/pkg/runstore"
)

func main() {
	logger.Init()
	cfg := config.Load()

	client, err := automation.NewClientFromConfig(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to configure rules API client")
	}

	opts := []automation.RunnerOption{
		automation.WithProgressCache(runstore.NewProgressCache(database.GetRedis(cfg), cfg.ProgressCacheTTL)),
	}

	// Run history is optional; without it results only live in memory.
	var history routes.RunHistory
	if db, err := database.GetPostgres(cfg); err != nil {
		logger.Log.WithError(err).Warn("PostgreSQL unavailable, run history disabled")
	} else {
		repo := runstore.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate run history")
		}
		opts = append(opts, automation.WithRunStore(repo))
		history = repo
	}

	producer := kafka.NewProducer(cfg, cfg.KafkaRunEventTopic)
	opts = append(opts, automation.WithEventPublisher(producer))

	runner := automation.NewRunner(client, automation.RunnerConfigFrom(cfg), opts...)

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.Metrics)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ready(ctx); err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	routes.NewAutomationHandler(runner, client, history).Register(apiRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":        cfg.ServerHost,
			"port":        cfg.ServerPort,
			"api":         cfg.APIBaseURL,
			"environment": cfg.APIEnvironment,
		}).Info("Automation service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down automation service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	// Live runs resolve as stopped and their outcomes are persisted.
	runner.Close()

	if err := producer.Close(); err != nil {
		logger.Log.WithError(err).Warn("Failed to close event producer")
	}
	database.CloseRedis()
	database.ClosePostgres()

	logger.Log.Info("Automation service stopped")
}
