// Package main runs the capture agent for one participant: it records the
// local device in fixed-duration segments, uploads them while recording
// continues, and serves the UI a status/control API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rivora/studio-backend/config"
	"github.com/rivora/studio-backend/internal/capture"
	"github.com/rivora/studio-backend/internal/control"
	"github.com/rivora/studio-backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Agent.SessionID == "" {
		logger.Fatal("AGENT_SESSION_ID is required")
	}

	ctx := context.Background()
	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		SegmentsBucket:  cfg.Storage.SegmentsBucket,
	}, logger)
	if err != nil {
		logger.Fatal("object store", zap.Error(err))
	}

	device := newDevice(cfg.Capture, logger)
	uploader := capture.NewUploader(s3Client, cfg.Agent.SessionID, cfg.Agent.Role, logger)
	controller := capture.NewController(capture.Config{
		SegmentDuration: cfg.Capture.SegmentDuration,
		EmptyRetryDelay: cfg.Capture.EmptySegmentRetry,
		MimeType:        cfg.Capture.MimeType,
	}, device, uploader, logger)
	defer controller.Close()

	srv := control.NewServer(controller, time.Second, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	logger.Info("capture agent started",
		zap.String("addr", cfg.Agent.Addr),
		zap.String("session_id", cfg.Agent.SessionID),
		zap.String("role", cfg.Agent.Role))
	if err := srv.Run(runCtx, cfg.Agent.Addr); err != nil {
		logger.Fatal("control server", zap.Error(err))
	}
	logger.Info("capture agent stopped")
}

// newDevice picks the capture device from CAPTURE_FORMAT. "rtp" selects the
// RTP-fed device used when a remote publisher streams to this agent; anything
// else is treated as an ffmpeg input format for local device capture.
func newDevice(cfg config.CaptureConfig, logger *zap.Logger) capture.Device {
	if cfg.InputFormat == "rtp" {
		d := &capture.RTPDevice{Logger: logger}
		d.RegisterTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)
		d.RegisterTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
		return d
	}
	return &capture.FFmpegDevice{
		InputFormat: cfg.InputFormat,
		Input:       cfg.Input,
		Logger:      logger,
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := cfg.Build()
	return logger
}
