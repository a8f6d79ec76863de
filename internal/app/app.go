// Package app wires the booking saga components from configuration. Every
// binary builds one App and uses the parts it serves.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/callbacks"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/config"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/gateway"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/idempotency"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/ledger"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/observability"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/providers"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/stepfunctions"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/steps"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/validation"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/worker"
)

// App holds the constructed components.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Idempotency *idempotency.Store
	Ledger      *ledger.Store
	Callbacks   *callbacks.Store
	Executions  *saga.ExecutionStore
	Executors   map[saga.StepKind]saga.Executor
	// Sandbox backs the payment, booking and traveler providers.
	Sandbox *providers.Sandbox

	// Queue is nil when no saga queue is configured.
	Queue        *worker.Queue
	Orchestrator *saga.Orchestrator
	// StepFunctions is set when the state machine runs on AWS Step
	// Functions; task tokens then belong to it.
	StepFunctions *stepfunctions.Client
}

// New builds the App on top of clients. All four tables must be configured.
func New(cfg config.Config, clients *aws.Clients, logger *zap.Logger) (*App, error) {
	if err := cfg.Require(config.EnvIdempotencyTable, config.EnvLedgerTable, config.EnvCallbacksTable, config.EnvExecutionsTable); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Registry:    reg,
		Metrics:     observability.NewMetrics(reg),
		Idempotency: idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL).WithLease(cfg.IdempotencyLease),
		Ledger:      ledger.NewStore(clients.DynamoDB, cfg.LedgerTable, cfg.LedgerTTL),
		Callbacks:   callbacks.NewStore(clients.DynamoDB, cfg.CallbacksTable),
		Executions:  saga.NewExecutionStore(clients.DynamoDB, cfg.ExecutionsTable, cfg.LedgerTTL),
	}
	if cfg.QueueURL != "" {
		a.Queue = worker.NewQueue(aws.NewPublisher(clients.SQS, cfg.QueueURL))
	}
	if cfg.Engine == config.EngineStepFunctions {
		a.StepFunctions = stepfunctions.NewFromConfig(clients.Config)
	}

	// provider clients are external; the sandbox stands in for them
	a.Sandbox = providers.NewSandbox()
	a.Sandbox.OpenDirectory = true
	limited := providers.NewRateLimited(a.Sandbox, a.Sandbox, a.Sandbox, cfg.ProviderRateLimit, cfg.ProviderRateBurst)

	executors, err := steps.Executors(steps.Deps{
		Payments:    limited,
		Bookings:    limited,
		Travelers:   limited,
		Callbacks:   a.Callbacks,
		CallbackTTL: cfg.CallbackTTL,
		Validator:   validation.New(),
		Idempotency: a.Idempotency,
		Logger:      logger.Named("steps"),
	})
	if err != nil {
		return nil, fmt.Errorf("build executors: %w", err)
	}
	a.Executors = executors

	orchCfg := saga.Config{
		Executors:   executors,
		Store:       a.Executions,
		Ledger:      a.Ledger,
		Idempotency: a.Idempotency,
		Alerter:     observability.NewCloudWatchAlerter(clients.CloudWatch, cfg.AlertNamespace, logger),
		Metrics:     a.Metrics,
		Retry: saga.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Logger: logger.Named("orchestrator"),
	}
	if a.Queue != nil {
		orchCfg.Requeue = a.Queue.Recover
	}
	if a.Orchestrator, err = saga.New(orchCfg); err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return a, nil
}

// Resumer returns where task completions go: Step Functions when it runs
// the state machine, the queue when configured so the worker drives the
// saga, otherwise the orchestrator in-process.
func (a *App) Resumer() callbacks.TaskResumer {
	if a.StepFunctions != nil {
		return a.StepFunctions
	}
	if a.Queue != nil {
		return a.Queue
	}
	return a.Orchestrator
}

// Gateway builds the provider webhook gateway.
func (a *App) Gateway() (*gateway.Gateway, error) {
	if err := a.Config.Require(config.EnvWebhookSecret); err != nil {
		return nil, err
	}
	return gateway.New(gateway.Config{
		Secret:    []byte(a.Config.WebhookSecret),
		Callbacks: a.Callbacks,
		Resumer:   a.Resumer(),
		Metrics:   a.Metrics,
		Logger:    a.Logger.Named("gateway"),
	}), nil
}

// Sweeper builds the callback timeout sweeper.
func (a *App) Sweeper(batch int32) *callbacks.Sweeper {
	return callbacks.NewSweeper(a.Callbacks, a.Resumer(), a.Logger.Named("sweeper"), batch)
}

// Sweep runs one sweep and records how many callbacks expired.
func (a *App) Sweep(ctx context.Context, batch int32) (callbacks.SweepResult, error) {
	res, err := a.Sweeper(batch).Sweep(ctx)
	a.Metrics.CallbacksExpired(res.Expired)
	return res, err
}
