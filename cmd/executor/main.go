// Command executor runs one saga step as a Lambda task for the state
// machine rendered by sagactl. STEP_KIND selects the step.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambda/messages"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/app"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/config"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/logging"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

// handler adapts ex to the Lambda task contract. Failures carry the saga
// error type so the state machine's Retry and Catch blocks can match them.
func handler(kind saga.StepKind, ex saga.Executor, logger *zap.Logger) func(context.Context, saga.Invocation) (json.RawMessage, error) {
	return func(ctx context.Context, inv saga.Invocation) (json.RawMessage, error) {
		inv.Step = kind
		out, err := ex.Execute(ctx, inv)
		if err == nil {
			return out, nil
		}
		ce := saga.Classify(err)
		logger.Warn("step failed",
			zap.String("execution_id", inv.ExecutionID),
			zap.String("code", ce.Code),
			zap.Bool("retryable", ce.Retryable),
			zap.Error(err),
		)
		return nil, messages.InvokeResponse_Error{
			Type:    saga.ErrorType(ce),
			Message: ce.Code + ": " + ce.Message,
		}
	}
}

func main() {
	kind, err := saga.ParseStepKind(os.Getenv("STEP_KIND"))
	if err != nil {
		log.Fatalf("invalid STEP_KIND: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.Must(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "executor"}).
		With(zap.Stringer("step", kind))
	defer func() { _ = logger.Sync() }()

	clients, err := aws.NewClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	a, err := app.New(cfg, clients, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	ex, ok := a.Executors[kind]
	if !ok {
		logger.Fatal("no executor for step")
	}
	lambda.Start(handler(kind, ex, logger))
}
