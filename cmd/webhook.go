package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/capflow/internal/config"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/pipeline"
	"github.com/danielolaszy/capflow/internal/webhook"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Receive GitHub webhooks",
}

var webhookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the GitHub webhook endpoint",
	Long: `Serve POST /webhooks/github and GET /health.

Approving pull request reviews advance the capability owning the pull
request's branch. A capability that was advanced with the self-approval
fallback gets the external approval recorded against it instead.

Set GITHUB_WEBHOOK_SECRET to verify X-Hub-Signature-256 on every delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		srv := webhook.NewServer(webhook.ServerConfig{
			Reviews: lockedReviews{cfg: cfg},
			Secret:  []byte(cfg.GitHub.WebhookSecret),
		})
		if cfg.GitHub.WebhookSecret == "" {
			logging.Warn("webhook secret not configured, signatures are not verified")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logging.Info("webhook server listening", "addr", addr)
			errCh <- srv.Start(addr)
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		logging.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// lockedReviews handles every delivery against the state file as other
// commands left it, and saves before the next delivery or command can read.
type lockedReviews struct {
	cfg *config.Config
}

func (l lockedReviews) HandleReviewApproved(ctx context.Context, ev pipeline.ReviewEvent) (*pipeline.ReviewResult, error) {
	var result *pipeline.ReviewResult
	err := runLocked(ctx, l.cfg, func(a *app) error {
		var err error
		result, err = a.orch.HandleReviewApproved(ctx, ev)
		return err
	})
	return result, err
}

func init() {
	webhookServeCmd.Flags().String("addr", ":8080", "listen address")
	webhookCmd.AddCommand(webhookServeCmd)
	rootCmd.AddCommand(webhookCmd)
}
