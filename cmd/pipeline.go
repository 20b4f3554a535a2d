package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/capflow/internal/pipeline"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/pkg/models"
)

var triageCmd = &cobra.Command{
	Use:   "triage <idea-id>",
	Short: "Create a capability from an idea",
	Long: `Create a capability from an idea and place it at the triage stage.

Triaging the same idea again returns the existing capability. Configured
trackers (Jira, GitHub issues) are notified in the background.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		capability, err := a.orch.Triage(cmd.Context(), args[0], a.cfg.Pipeline.Actor)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), capability)
	}),
}

// stageCmd groups the per-stage commands.
var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Write, revise, sync and approve stage documents",
	Long: `Operate on one stage of a capability. Stages are spec, architecture,
compliance and build. Every command checks that the capability is at the stage
the action requires and fails with stage_mismatch otherwise.`,
}

var stageWriteCmd = &cobra.Command{
	Use:   "write <capability-id> <stage>",
	Short: "Draft the document for a stage and enter it",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		s, err := stage.Parse(args[1])
		if err != nil {
			return err
		}
		result, err := a.orch.WriteStageDocument(cmd.Context(), args[0], s, a.cfg.Pipeline.Actor)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

var stageReviseCmd = &cobra.Command{
	Use:   "revise <capability-id> <stage>",
	Short: "Store a new draft version of the current stage document",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		s, err := stage.Parse(args[1])
		if err != nil {
			return err
		}
		content, err := readFlagFile(cmd, "file")
		if err != nil {
			return err
		}
		if content == "" {
			return errors.New("--file is required")
		}
		diagram, err := readFlagFile(cmd, "diagram")
		if err != nil {
			return err
		}
		result, err := a.orch.ReviseStageDocument(cmd.Context(), args[0], s, content, diagram, a.cfg.Pipeline.Actor)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

var stageSyncCmd = &cobra.Command{
	Use:   "sync <capability-id> <stage>",
	Short: "Push the latest stage document to the capability's pull request",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		s, err := stage.Parse(args[1])
		if err != nil {
			return err
		}
		result, err := a.orch.SyncStageToPR(cmd.Context(), args[0], s, a.cfg.Pipeline.Actor)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

var stageApproveCmd = &cobra.Command{
	Use:   "approve <capability-id> <stage>",
	Short: "Request approval of a stage and advance on success",
	Long: `Sync the stage document, submit an approving review on the pull request and,
once approved, snapshot the document and advance the capability.

When GitHub refuses the review because the token owns the pull request, the
approval is recorded locally and the capability still advances. The result
then lists the follow-up actions for a second reviewer.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		s, err := stage.Parse(args[1])
		if err != nil {
			return err
		}
		result, err := a.orch.ApproveStage(cmd.Context(), args[0], s, a.cfg.Pipeline.Actor)
		if result != nil {
			if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil && err == nil {
				err = writeErr
			}
		}
		return err
	}),
}

var buildPRCmd = &cobra.Command{
	Use:   "build-pr <capability-id>",
	Short: "Sync every stage document and mark the pull request ready for review",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		result, err := a.orch.OpenBuildPullRequest(cmd.Context(), args[0], a.cfg.Pipeline.Actor)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

var runCmd = &cobra.Command{
	Use:   "run <idea-id>",
	Short: "Drive an idea through every stage to a pull request",
	Long: `Triage the idea and run write and approve for every stage, finishing with the
build pull request. The run stops at the first failing step and returns its
error unchanged. Running it again resumes after the last completed step.

With --enforce-remote-pr a sync that stays in draft mode fails the run with
github_pr_not_created instead of approving locally.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		opts := pipeline.RunOptions{
			CorrelationID: correlationID,
			Actor:         a.cfg.Pipeline.Actor,
		}
		if cmd.Flags().Changed("enforce-remote-pr") {
			enforce, _ := cmd.Flags().GetBool("enforce-remote-pr")
			opts.EnforceRemotePR = &enforce
		}
		result, err := a.orch.RunIdeaToPR(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

// capabilityView is the output of the show command.
type capabilityView struct {
	Capability   *models.Capability          `json:"capability"`
	Documents    []*models.StageDocument     `json:"documents"`
	PullRequests []*models.PullRequestRecord `json:"pullRequests"`
	Artifacts    []*models.Artifact          `json:"artifacts"`
}

var showCmd = &cobra.Command{
	Use:   "show <capability-id>",
	Short: "Print a capability with its documents, pull requests and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		ctx := cmd.Context()
		capability, err := a.store.GetCapability(ctx, args[0])
		if err != nil {
			return err
		}
		docs, err := a.store.ListDocuments(ctx, capability.ID, "")
		if err != nil {
			return err
		}
		prs, err := a.store.ListPullRequests(ctx, capability.ID)
		if err != nil {
			return err
		}
		artifacts, err := a.store.ListArtifacts(ctx, capability.ID)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), capabilityView{
			Capability:   capability,
			Documents:    docs,
			PullRequests: prs,
			Artifacts:    artifacts,
		})
	}),
}

func init() {
	stageReviseCmd.Flags().StringP("file", "f", "", "file holding the revised markdown content")
	stageReviseCmd.Flags().String("diagram", "", "file holding the revised diagram source")
	runCmd.Flags().Bool("enforce-remote-pr", false, "fail instead of approving locally when no pull request can be opened")

	stageCmd.AddCommand(stageWriteCmd, stageReviseCmd, stageSyncCmd, stageApproveCmd)
	rootCmd.AddCommand(triageCmd, stageCmd, buildPRCmd, runCmd, showCmd)
}

func readFlagFile(cmd *cobra.Command, name string) (string, error) {
	path, _ := cmd.Flags().GetString(name)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read --%s: %w", name, err)
	}
	return string(data), nil
}
