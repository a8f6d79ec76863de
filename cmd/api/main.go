package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/app"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/config"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/handlers"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/logging"
)

func setupRouter(a *app.App) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	gw, err := a.Gateway()
	if err != nil {
		return nil, err
	}
	cfg := handlers.HandlerConfig{
		Saga:     a.Orchestrator,
		Webhook:  gw.Handle,
		Gatherer: a.Registry,
		Logger:   a.Logger.Named("api"),
	}
	// with a queue the worker runs the saga; the request only enqueues it
	if a.Queue != nil {
		cfg.Queue = a.Queue
	}
	handlers.RegisterRoutes(r, cfg)
	return r, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.Must(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "api"})
	defer func() { _ = logger.Sync() }()

	clients, err := aws.NewClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	a, err := app.New(cfg, clients, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	r, err := setupRouter(a)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}
	logger.Info("api configured", cfg.Fields()...)

	// if RUN_LOCAL is true, run a local HTTP server for development.
	if cfg.RunLocal {
		addr := ":8080"
		logger.Info("running local server", zap.String("addr", addr))
		if err := r.Run(addr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
