package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/internal/client"
	"github.com/cvanalytics/pipeline/cli/pkg/output"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <correlation-id>",
	Short: "Show the ordered records of a correlation id",
	Example: `  cvctl timeline 42
  cvctl timeline acme/widgets --rebuild -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runTimeline,
}

func init() {
	rootCmd.AddCommand(timelineCmd)

	timelineCmd.Flags().Bool("rebuild", false, "refill the index from the event store first")
	timelineCmd.Flags().String("processor-url", "", "processor service URL (default: profile processor_url)")
}

func processorClient(cmd *cobra.Command) *client.ProcessorClient {
	return client.NewProcessorClient(flagOr(cmd, "processor-url", activeProfile(cmd).ProcessorURL))
}

func runTimeline(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	rebuild, _ := cmd.Flags().GetBool("rebuild")

	tl, err := processorClient(cmd).Timeline(cmd.Context(), args[0], rebuild)
	if err != nil {
		return fmt.Errorf("failed to fetch timeline: %w", err)
	}
	if format == output.FormatJSON {
		return output.JSON(tl)
	}

	if rebuild {
		output.Info("Rebuilt %d records from the event store", tl.Rebuilt)
	}
	if len(tl.Records) == 0 {
		output.Warn("No records for correlation id %s", tl.CorrelationID)
		return nil
	}
	table := output.NewTable([]string{"#", "RECEIVED AT", "SEQ", "KIND", "KEY"})
	for i, ref := range tl.Records {
		table.AddRow([]string{
			fmt.Sprint(i + 1),
			ref.ReceivedAt.UTC().Format(time.RFC3339Nano),
			fmt.Sprint(ref.SequenceHint),
			ref.Kind,
			ref.Key,
		})
	}
	table.Render()
	return nil
}
