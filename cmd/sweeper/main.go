package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/app"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/config"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/logging"
)

const sweepBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.Must(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "sweeper"})
	defer func() { _ = logger.Sync() }()

	clients, err := aws.NewClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	a, err := app.New(cfg, clients, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}

	handle := func(ctx context.Context, ev events.CloudWatchEvent) error {
		res, err := a.Sweep(ctx, sweepBatch)
		if err != nil {
			logger.Error("sweep failed", zap.String("event_id", ev.ID), zap.Error(err))
			return err
		}
		logger.Info("sweep finished",
			zap.String("event_id", ev.ID),
			zap.Int("expired", res.Expired),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
		return nil
	}

	if cfg.RunLocal {
		if err := handle(context.Background(), events.CloudWatchEvent{ID: "local"}); err != nil {
			logger.Fatal("local sweep error", zap.Error(err))
		}
		return
	}
	lambda.Start(handle)
}
