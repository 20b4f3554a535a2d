// Package cmd provides the command-line interface for capflow.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/config"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/pipeline"
	"github.com/danielolaszy/capflow/internal/telemetry"
)

var (
	cfg               *config.Config
	correlationID     string
	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "capflow",
	Short: "Capflow moves product ideas through a gated document pipeline to a pull request",
	Long: `Capflow is a CLI tool that turns product ideas into capabilities and walks them
through the spec, architecture, compliance and build stages. Every stage document
is synced to a GitHub pull request and advances only after it has been approved.

Without a GitHub token (or with --local-only) capflow runs in draft mode: no
remote calls are made and approvals are recorded locally.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlags(cmd, loaded)
		cfg = loaded

		logging.Setup(cmd.ErrOrStderr(), logging.LogLevel(cfg.Log.Level), logging.Format(cfg.Log.Format))

		shutdown, err := telemetry.Init(telemetry.Options{
			Enabled: cfg.Telemetry.Enabled,
			Pretty:  cfg.Telemetry.Stdout,
			Writer:  cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		shutdownTelemetry = shutdown

		requested, _ := cmd.Flags().GetString("correlation-id")
		ctx := pipeline.WithCorrelationID(cmd.Context(), requested)
		correlationID = logging.CorrelationID(ctx)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTelemetry == nil {
			return nil
		}
		return shutdownTelemetry(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Failures are reported on stderr as {error, reason, actions} payloads.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		writeErrorPayload(rootCmd.ErrOrStderr(), err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringP("repository", "r", "", "GitHub repository name (e.g., 'owner/repo')")
	rootCmd.PersistentFlags().String("state", "", "path of the state file (default .capflow/state.json)")
	rootCmd.PersistentFlags().Bool("local-only", false, "never call GitHub; run every sync and approval in draft mode")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on history events")
	rootCmd.PersistentFlags().String("correlation-id", "", "correlation id echoed in logs and errors")
}

// applyFlags lets persistent flags override file and environment settings.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if repository, _ := flags.GetString("repository"); repository != "" {
		c.GitHub.Repository = repository
	}
	if state, _ := flags.GetString("state"); state != "" {
		c.State.Path = state
	}
	if localOnly, _ := flags.GetBool("local-only"); localOnly {
		c.GitHub.LocalOnly = true
	}
	if actor, _ := flags.GetString("actor"); actor != "" {
		c.Pipeline.Actor = actor
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeErrorPayload(w io.Writer, err error) {
	var classified *apperr.Error
	var coded interface{ ErrorCode() apperr.Code }
	if !errors.As(err, &classified) && !errors.As(err, &coded) {
		fmt.Fprintln(w, "Error:", err)
		return
	}
	_ = writeJSON(w, apperr.ToPayload(err, correlationID))
}
