package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func definitionCmd() *cobra.Command {
	var (
		prefix    string
		attempts  int
		base      time.Duration
		maxDelay  time.Duration
		timeout   time.Duration
		namespace string
	)
	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Print the booking state machine as Amazon States Language",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources := map[saga.StepKind]string{}
			if prefix != "" {
				for _, k := range saga.StepKinds() {
					resources[k] = prefix + k.String()
				}
			}
			def := saga.BookingDefinition()
			doc, err := def.ASL(saga.ASLOptions{
				Resources:       resources,
				Retry:           saga.RetryPolicy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: maxDelay},
				CallbackTimeout: timeout,
				AlertNamespace:  namespace,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "resource-prefix", "", "Executor function ARN prefix; the step name is appended")
	cmd.Flags().IntVar(&attempts, "max-attempts", 3, "Attempts per step including the first")
	cmd.Flags().DurationVar(&base, "base-delay", time.Second, "Delay before the first retry")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 10*time.Second, "Upper bound on retry delay")
	cmd.Flags().DurationVar(&timeout, "callback-timeout", 10*time.Minute, "How long a waiting state holds its task token")
	cmd.Flags().StringVar(&namespace, "alert-namespace", "ParkerFlight/BookingSaga", "CloudWatch namespace of the operator alert metric")
	return cmd
}

func executionCmd(load appLoader) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "execution [execution-id]",
		Short: "Show an execution, its outcome and optionally its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			exec, events, err := a.Orchestrator.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := map[string]any{
				"execution": exec,
				"outcome":   exec.Outcome(),
			}
			if history {
				view["history"] = events
			}
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Include the transition history")
	return cmd
}

func ledgerCmd(load appLoader) *cobra.Command {
	var correlation bool
	cmd := &cobra.Command{
		Use:   "ledger [transaction-id]",
		Short: "List the ledger entries of a saga transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			lookup := a.Ledger.ListSteps
			if correlation {
				lookup = a.Ledger.FindByCorrelationID
			}
			entries, err := lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&correlation, "correlation", false, "Treat the argument as a provider correlation id")
	return cmd
}

func callbackCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "callback [correlation-id]",
		Short: "Show a pending provider callback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			cb, err := a.Callbacks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cb == nil {
				return fmt.Errorf("callback %s not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), cb)
		},
	}
}

func resumeCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [execution-id]...",
		Short: "Continue stalled executions from their last committed state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			var failed []string
			for _, id := range args {
				out, err := a.Orchestrator.Resume(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed = append(failed, id)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, out.Status, out.Reason)
			}
			if len(failed) > 0 {
				return fmt.Errorf("resume failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

func sweepCmd(load appLoader) *cobra.Command {
	var batch int32
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue provider callbacks and fail their waiting steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Sweep(cmd.Context(), batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d skipped=%d failed=%d\n", res.Expired, res.Skipped, res.Failed)
			return nil
		},
	}
	cmd.Flags().Int32Var(&batch, "batch", 100, "Maximum callbacks to process")
	return cmd
}
