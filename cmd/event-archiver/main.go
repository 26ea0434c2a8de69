package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/kafka"
	"github.com/splatforge/platform/pkg/common/logger"
)

func main() {
	logger.Init()
	cfg := config.Load()

	archiver, err := NewArchiver(cfg.EventArchivePath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to prepare event archive")
	}

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.JobEventsTopic, cfg.KafkaGroupID+"-archiver")
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log.WithFields(map[string]interface{}{
		"topic":   cfg.JobEventsTopic,
		"archive": cfg.EventArchivePath,
	}).Info("Event archiver started")

	if err := consumer.Consume(ctx, archiver.Handle); err != nil && ctx.Err() == nil {
		logger.Log.WithError(err).Error("Consumer stopped")
	}

	logger.Log.WithField("events", archiver.Written()).Info("Event archiver stopped")
}
