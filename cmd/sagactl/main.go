// Command sagactl inspects and operates booking saga executions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/app"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/config"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/logging"
)

var Version = "dev"

// appLoader builds the App the data commands run against.
type appLoader func(ctx context.Context) (*app.App, error)

func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.Must(logging.Config{Level: cfg.LogLevel, Format: "console", Output: "stderr", Component: "sagactl"})
	clients, err := aws.NewClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	return app.New(cfg, clients, logger)
}

func newRootCmd(load appLoader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sagactl",
		Short:         "Inspect and operate booking saga executions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(definitionCmd())
	rootCmd.AddCommand(executionCmd(load))
	rootCmd.AddCommand(ledgerCmd(load))
	rootCmd.AddCommand(callbackCmd(load))
	rootCmd.AddCommand(resumeCmd(load))
	rootCmd.AddCommand(sweepCmd(load))
	return rootCmd
}

func main() {
	if err := newRootCmd(loadApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
