package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/capflow/internal/github"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/sourcesync"
)

var githubCmd = &cobra.Command{
	Use:   "github",
	Short: "Inspect the GitHub connection",
}

var githubCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the GitHub token and repository",
	Long: `Verify that the configured token is accepted and that the repository exists.
Reports draft mode, and the reason for it, when no remote calls would be made.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		auth := sourcesync.StaticAuth{Token: cfg.GitHub.Token, LocalOnly: cfg.GitHub.LocalOnly}
		cred, err := auth.Resolve(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if draft, reason := sourcesync.DraftMode(cfg.GitHub.Repository, cred); draft {
			fmt.Fprintf(out, "Draft mode: %s\n", reason)
			return nil
		}

		client, err := github.NewClient(ctx, github.Options{
			Token:   cred.Token,
			Domain:  cfg.GitHub.Domain,
			Timeout: cfg.GitHub.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize github client: %w", err)
		}
		login, err := client.Verify(ctx)
		if err != nil {
			return err
		}
		base, err := client.DefaultBranch(ctx, cfg.GitHub.Repository)
		if err != nil {
			return fmt.Errorf("failed to read repository %s: %w", cfg.GitHub.Repository, err)
		}

		logging.Info("github connection verified",
			"login", login,
			"repository", cfg.GitHub.Repository,
			"token", logging.MaskSensitive(cred.Token))
		fmt.Fprintf(out, "Authenticated as: %s\n", login)
		fmt.Fprintf(out, "Repository: %s (default branch %s)\n", cfg.GitHub.Repository, base)
		return nil
	},
}

func init() {
	githubCmd.AddCommand(githubCheckCmd)
	rootCmd.AddCommand(githubCmd)
}
