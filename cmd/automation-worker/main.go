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

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	repo := runstore.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate run history")
	}

	producer := kafka.NewProducer(cfg, cfg.KafkaRunEventTopic)
	defer producer.Close()

	runner := automation.NewRunner(client, automation.RunnerConfigFrom(cfg),
		automation.WithRunStore(repo),
		automation.WithProgressCache(runstore.NewProgressCache(database.GetRedis(cfg), cfg.ProgressCacheTTL)),
		automation.WithEventPublisher(producer),
	)

	consumer := kafka.NewConsumer(cfg, cfg.KafkaRunRequestTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Consume(ctx, runner.HandleRunRequest); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.ServerPort,
			"topic": cfg.KafkaRunRequestTopic,
		}).Info("Automation worker started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down automation worker...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	runner.Close()
	database.CloseRedis()
	database.ClosePostgres()

	logger.Log.Info("Automation worker stopped")
}
