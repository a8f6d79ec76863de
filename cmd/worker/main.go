package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/app"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/config"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/logging"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.Must(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "worker"})
	defer func() { _ = logger.Sync() }()

	clients, err := aws.NewClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	a, err := app.New(cfg, clients, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	processor := worker.NewProcessor(a.Orchestrator, logger.Named("processor"))

	// If RUN_LOCAL is true, process a single message body for local testing.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"type":"recover","executionId":"local-execution-1"}`
		}
		event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}}
		resp, err := processor.Handle(context.Background(), event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local handler error", zap.Error(err), zap.Int("failures", len(resp.BatchItemFailures)))
		}
		return
	}

	lambda.Start(processor.Handle)
}
