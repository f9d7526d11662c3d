// Package main runs the merge worker: it consumes video-processing jobs,
// stitches session recordings via the merge service, persists results, and
// notifies session hosts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rivora/studio-backend/config"
	"github.com/rivora/studio-backend/internal/merge"
	"github.com/rivora/studio-backend/internal/sessions"
	"github.com/rivora/studio-backend/internal/worker"
	"github.com/rivora/studio-backend/pkg/database"
	"github.com/rivora/studio-backend/pkg/mailer"
	"github.com/rivora/studio-backend/pkg/queue"
	"github.com/rivora/studio-backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Broker.URL, cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB, logger)
	if err != nil {
		logger.Fatal("broker", zap.Error(err))
	}
	defer rdb.Close()

	sessionRepo := sessions.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, queue.QueueVideoProcessing, cfg.Worker.StallThreshold, logger)
	limiter := queue.NewRedisLimiter(rdb.Client, queue.QueueVideoProcessing, cfg.Worker.MaxPerWindow, cfg.Worker.Window)
	processor := merge.NewHTTPProcessor(cfg.Worker.MergeServiceURL, logger)
	mail := mailer.NewSMTP(mailer.SMTPConfig{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		User:        cfg.Email.SMTPUser,
		Pass:        cfg.Email.SMTPPass,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
	}, logger)

	w := worker.NewMergeWorker(sessionRepo, processor, mail, jobQueue, limiter, worker.Config{
		FrontendBaseURL: cfg.Frontend.BaseURL,
		PollInterval:    cfg.Worker.PollInterval,
	}, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(workerCtx)
	logger.Info("merge worker started", zap.String("queue", queue.QueueVideoProcessing))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("merge worker stopped")
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := cfg.Build()
	return logger
}
