// Package config loads the booking saga settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Environment keys
const (
	EnvRegion            = "AWS_REGION"
	EnvIdempotencyTable  = "IDEMPOTENCY_TABLE"
	EnvLedgerTable       = "LEDGER_TABLE"
	EnvCallbacksTable    = "CALLBACKS_TABLE"
	EnvExecutionsTable   = "EXECUTIONS_TABLE"
	EnvQueueURL          = "SAGA_QUEUE_URL"
	EnvWebhookSecret     = "WEBHOOK_SECRET"
	EnvIdempotencyTTL    = "IDEMPOTENCY_TTL"
	EnvIdempotencyLease  = "IDEMPOTENCY_LEASE"
	EnvLedgerTTL         = "LEDGER_TTL"
	EnvCallbackTTL       = "CALLBACK_TTL"
	EnvRetryMaxAttempts  = "RETRY_MAX_ATTEMPTS"
	EnvRetryBaseDelay    = "RETRY_BASE_DELAY"
	EnvRetryMaxDelay     = "RETRY_MAX_DELAY"
	EnvProviderRateLimit = "PROVIDER_RATE_LIMIT"
	EnvProviderRateBurst = "PROVIDER_RATE_BURST"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
	EnvAlertNamespace    = "ALERT_NAMESPACE"
	EnvRunLocal          = "RUN_LOCAL"
	EnvSagaEngine        = "SAGA_ENGINE"
)

// Saga engines
const (
	// EngineOrchestrator drives executions with the in-process orchestrator.
	EngineOrchestrator = "orchestrator"
	// EngineStepFunctions runs the rendered state machine on AWS Step
	// Functions; task tokens are resumed through its API.
	EngineStepFunctions = "stepfunctions"
)

// Retry holds the executor retry budget.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Config is the full service configuration. Each binary uses the subset
// it needs and checks it with Require.
type Config struct {
	Region           string
	IdempotencyTable string
	LedgerTable      string
	CallbacksTable   string
	ExecutionsTable  string
	QueueURL         string
	WebhookSecret    string

	IdempotencyTTL time.Duration
	// IdempotencyLease is how long an admitted operation owns its record
	// before another attempt may take it over. It must outlast the slowest
	// provider call.
	IdempotencyLease time.Duration
	LedgerTTL        time.Duration
	CallbackTTL      time.Duration

	Retry Retry

	ProviderRateLimit float64
	ProviderRateBurst int

	LogLevel       string
	LogFormat      string
	AlertNamespace string
	Engine         string
	RunLocal       bool
}

// Load reads the configuration. When RUN_LOCAL is true a .env file in the
// working directory is loaded first; variables already set win.
func Load() (Config, error) {
	cfg := Config{}
	var err error

	if cfg.RunLocal, err = parseBool(EnvRunLocal); err != nil {
		return cfg, err
	}
	if cfg.RunLocal {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg.Region = stringOr(EnvRegion, "us-east-1")
	cfg.IdempotencyTable = stringOr(EnvIdempotencyTable, "")
	cfg.LedgerTable = stringOr(EnvLedgerTable, "")
	cfg.CallbacksTable = stringOr(EnvCallbacksTable, "")
	cfg.ExecutionsTable = stringOr(EnvExecutionsTable, "")
	cfg.QueueURL = stringOr(EnvQueueURL, "")
	cfg.WebhookSecret = os.Getenv(EnvWebhookSecret)
	cfg.LogLevel = stringOr(EnvLogLevel, "info")
	cfg.LogFormat = stringOr(EnvLogFormat, "json")
	cfg.AlertNamespace = stringOr(EnvAlertNamespace, "ParkerFlight/BookingSaga")
	cfg.Engine = strings.ToLower(stringOr(EnvSagaEngine, EngineOrchestrator))

	if cfg.IdempotencyTTL, err = parseDuration(EnvIdempotencyTTL, 48*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyLease, err = parseDuration(EnvIdempotencyLease, 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.LedgerTTL, err = parseDuration(EnvLedgerTTL, 30*24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.CallbackTTL, err = parseDuration(EnvCallbackTTL, 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.Retry.MaxAttempts, err = parseInt(EnvRetryMaxAttempts, 3); err != nil {
		return cfg, err
	}
	if cfg.Retry.BaseDelay, err = parseDuration(EnvRetryBaseDelay, 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Retry.MaxDelay, err = parseDuration(EnvRetryMaxDelay, 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ProviderRateLimit, err = parseFloat(EnvProviderRateLimit, 10); err != nil {
		return cfg, err
	}
	if cfg.ProviderRateBurst, err = parseInt(EnvProviderRateBurst, 5); err != nil {
		return cfg, err
	}

	if cfg.Retry.MaxAttempts < 1 {
		return cfg, fmt.Errorf("%s must be >= 1", EnvRetryMaxAttempts)
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return cfg, fmt.Errorf("%s must be >= %s", EnvRetryMaxDelay, EnvRetryBaseDelay)
	}
	if cfg.IdempotencyLease <= 0 {
		return cfg, fmt.Errorf("%s must be positive", EnvIdempotencyLease)
	}
	switch cfg.Engine {
	case EngineOrchestrator, EngineStepFunctions:
	default:
		return cfg, fmt.Errorf("%s must be %q or %q, got %q", EnvSagaEngine, EngineOrchestrator, EngineStepFunctions, cfg.Engine)
	}
	return cfg, nil
}

// Require reports every listed key whose value is empty.
func (c Config) Require(keys ...string) error {
	values := map[string]string{
		EnvIdempotencyTable: c.IdempotencyTable,
		EnvLedgerTable:      c.LedgerTable,
		EnvCallbacksTable:   c.CallbacksTable,
		EnvExecutionsTable:  c.ExecutionsTable,
		EnvQueueURL:         c.QueueURL,
		EnvWebhookSecret:    c.WebhookSecret,
	}
	var missing []string
	for _, k := range keys {
		v, known := values[k]
		if !known {
			return fmt.Errorf("config: %s cannot be required", k)
		}
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fields returns the configuration as log fields. The webhook secret is
// reported only as present or absent.
func (c Config) Fields() []zap.Field {
	return []zap.Field{
		zap.String("region", c.Region),
		zap.String("idempotency_table", c.IdempotencyTable),
		zap.String("ledger_table", c.LedgerTable),
		zap.String("callbacks_table", c.CallbacksTable),
		zap.String("executions_table", c.ExecutionsTable),
		zap.String("queue_url", c.QueueURL),
		zap.Bool("webhook_secret_set", c.WebhookSecret != ""),
		zap.Duration("idempotency_ttl", c.IdempotencyTTL),
		zap.Duration("idempotency_lease", c.IdempotencyLease),
		zap.Duration("ledger_ttl", c.LedgerTTL),
		zap.Duration("callback_ttl", c.CallbackTTL),
		zap.Int("retry_max_attempts", c.Retry.MaxAttempts),
		zap.Duration("retry_base_delay", c.Retry.BaseDelay),
		zap.Duration("retry_max_delay", c.Retry.MaxDelay),
		zap.Float64("provider_rate_limit", c.ProviderRateLimit),
		zap.Int("provider_rate_burst", c.ProviderRateBurst),
		zap.String("engine", c.Engine),
		zap.Bool("run_local", c.RunLocal),
	}
}
