package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/pkg/output"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and discard dead-lettered messages",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	Example: `  cvctl deadletters list
  cvctl dlq list --queue aggregation -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		queue, _ := cmd.Flags().GetString("queue")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := processorClient(cmd).DeadLetters(cmd.Context(), queue, limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if format == output.FormatJSON {
			return output.JSON(list)
		}
		if len(list.Entries) == 0 {
			output.Success("No dead letters")
			return nil
		}
		table := output.NewTable([]string{"ID", "QUEUE", "MESSAGE", "RECEIVES", "REASON", "FAILED AT", "ERROR"})
		for _, e := range list.Entries {
			table.AddRow([]string{
				e.ID, e.Queue, e.MessageID, fmt.Sprint(e.ReceiveCount), e.Reason,
				e.FailedAt.UTC().Format(time.RFC3339), e.Error,
			})
		}
		table.Render()
		output.Info("%d shown, %d total", len(list.Entries), list.Total)
		return nil
	},
}

var deadLettersDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Discard dead letters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := processorClient(cmd)
		for _, id := range args {
			if err := pc.DeleteDeadLetter(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
			output.Success("Deleted dead letter %s", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersDeleteCmd)

	deadLettersCmd.PersistentFlags().String("processor-url", "", "processor service URL (default: profile processor_url)")
	deadLettersListCmd.Flags().String("queue", "", "only list this queue")
	deadLettersListCmd.Flags().Int("limit", 0, "maximum entries to list")
}
