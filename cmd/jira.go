package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/capflow/internal/jira"
)

var jiraCmd = &cobra.Command{
	Use:   "jira",
	Short: "Inspect the Jira capability tracker",
}

var jiraStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many tickets in the Jira project track capabilities",
	Long: `This command displays statistics about the Jira project configured with
JIRA_URL, JIRA_USERNAME, JIRA_TOKEN and JIRA_PROJECT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := jira.NewClient(cfg.Jira, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize jira client: %w", err)
		}
		total, ours, err := client.CountTickets(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch JIRA statistics: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "JIRA Statistics for project %s:\n", cfg.Jira.Project)
		fmt.Fprintf(out, "- Total tickets: %d\n", total)
		fmt.Fprintf(out, "- Tickets tracking capabilities: %d\n", ours)
		fmt.Fprintln(out, "\nCoverage:", coverageMessage(total, ours))
		return nil
	},
}

func coverageMessage(total, ours int) string {
	if total == 0 {
		return "no tickets in project"
	}
	percentage := float64(ours) / float64(total) * 100
	return fmt.Sprintf("%.1f%% of tickets track capabilities (%d/%d)", percentage, ours, total)
}

func init() {
	jiraCmd.AddCommand(jiraStatusCmd)
	rootCmd.AddCommand(jiraCmd)
}
