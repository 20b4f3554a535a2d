package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/pipeline"
	"github.com/danielolaszy/capflow/pkg/models"
)

// ideaCmd groups the idea intake commands.
var ideaCmd = &cobra.Command{
	Use:   "idea",
	Short: "Record, enrich and search product ideas",
}

var ideaAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a new idea and warn about likely duplicates",
	Long: `Record a new idea in a scope (org, sandbox and product).

Before the idea is stored it is compared against the other ideas in the same
scope. When a similar idea exists the result carries a duplicate warning; the
idea is stored either way.

Example:
  capflow idea add --product crm --title "Bulk export of contacts" \
    --problem "Sales cannot hand contact lists to partners" --criteria "CSV export"`,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")

		result, err := a.orch.CreateIdea(cmd.Context(), pipeline.IdeaInput{
			Scope:       scopeFromFlags(cmd.Flags()),
			Title:       title,
			Description: description,
			Details:     detailsFromFlags(cmd.Flags()),
			CreatedBy:   a.cfg.Pipeline.Actor,
		})
		if err != nil {
			return err
		}
		if w := result.DuplicateWarning; w != nil {
			logging.Warn("possible duplicate idea",
				"idea_id", result.Idea.ID,
				"similar_to", w.IdeaID,
				"warning", w.Message)
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

var ideaSimilarCmd = &cobra.Command{
	Use:   "similar <text>",
	Short: "List ideas in a scope similar to the given text",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		limit, _ := cmd.Flags().GetInt("limit")
		result, err := a.orch.FindSimilar(cmd.Context(), scopeFromFlags(cmd.Flags()), args[0], limit)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}),
}

var ideaEnrichCmd = &cobra.Command{
	Use:   "enrich <idea-id>",
	Short: "Fill in structured details of an existing idea",
	Long: `Merge structured details into an idea. Only the fields given on the command
line are changed; list flags replace the stored list.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		details := detailsFromFlags(cmd.Flags())
		if isEmptyDetails(details) {
			return errors.New("at least one detail flag is required")
		}
		idea, err := a.orch.EnrichIdea(cmd.Context(), args[0], details)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), idea)
	}),
}

func init() {
	for _, c := range []*cobra.Command{ideaAddCmd, ideaSimilarCmd} {
		c.Flags().String("org", "", "organisation owning the idea")
		c.Flags().String("sandbox", "", "sandbox owning the idea")
		c.Flags().String("product", "", "product owning the idea")
	}
	for _, c := range []*cobra.Command{ideaAddCmd, ideaEnrichCmd} {
		c.Flags().String("problem", "", "problem statement")
		c.Flags().String("persona", "", "persona the idea serves")
		c.Flags().String("goal", "", "business goal")
		c.Flags().StringArray("criteria", []string{}, "acceptance criterion (can be specified multiple times)")
		c.Flags().StringArray("constraint", []string{}, "constraint (can be specified multiple times)")
		c.Flags().StringArray("non-goal", []string{}, "non-goal (can be specified multiple times)")
	}
	ideaAddCmd.Flags().String("title", "", "idea title")
	ideaAddCmd.Flags().String("description", "", "free-form description")
	ideaSimilarCmd.Flags().Int("limit", 5, "maximum number of matches (1-12)")

	ideaCmd.AddCommand(ideaAddCmd, ideaSimilarCmd, ideaEnrichCmd)
	rootCmd.AddCommand(ideaCmd)
}

func scopeFromFlags(flags *pflag.FlagSet) models.Scope {
	org, _ := flags.GetString("org")
	sandbox, _ := flags.GetString("sandbox")
	product, _ := flags.GetString("product")
	return models.Scope{OrgID: org, SandboxID: sandbox, ProductID: product}
}

func detailsFromFlags(flags *pflag.FlagSet) models.IdeaDetails {
	problem, _ := flags.GetString("problem")
	persona, _ := flags.GetString("persona")
	goal, _ := flags.GetString("goal")
	criteria, _ := flags.GetStringArray("criteria")
	constraints, _ := flags.GetStringArray("constraint")
	nonGoals, _ := flags.GetStringArray("non-goal")
	return models.IdeaDetails{
		ProblemStatement:   problem,
		Persona:            persona,
		BusinessGoal:       goal,
		AcceptanceCriteria: criteria,
		Constraints:        constraints,
		NonGoals:           nonGoals,
	}
}

func isEmptyDetails(d models.IdeaDetails) bool {
	return d.ProblemStatement == "" && d.Persona == "" && d.BusinessGoal == "" &&
		len(d.AcceptanceCriteria) == 0 && len(d.Constraints) == 0 && len(d.NonGoals) == 0
}
