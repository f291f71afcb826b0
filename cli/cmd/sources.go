package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/internal/client"
	"github.com/cvanalytics/pipeline/cli/pkg/output"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Webhook source commands",
}

var sourcesStatsCmd = &cobra.Command{
	Use:     "stats <source>",
	Short:   "Show delivery counters for a webhook source",
	Example: `  cvctl sources stats github`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		ingest := client.NewIngestClient(flagOr(cmd, "ingest-url", activeProfile(cmd).IngestURL))
		stats, err := ingest.SourceStats(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch source stats: %w", err)
		}
		if format == output.FormatJSON {
			return output.JSON(stats)
		}

		last := "never"
		if stats.LastDeliveryAt != nil {
			last = stats.LastDeliveryAt.UTC().Format(time.RFC3339)
		}
		table := output.NewTable([]string{"METRIC", "VALUE"})
		table.AddRow([]string{"accepted", fmt.Sprint(stats.Accepted)})
		table.AddRow([]string{"rejected", fmt.Sprint(stats.Rejected)})
		table.AddRow([]string{"accepted last hour", fmt.Sprint(stats.AcceptedLastHour)})
		table.AddRow([]string{"accepted last 24h", fmt.Sprint(stats.AcceptedLast24h)})
		table.AddRow([]string{"unique IPs today", fmt.Sprint(stats.UniqueIPsToday)})
		table.AddRow([]string{"last delivery", last})
		table.AddRow([]string{"last remote IP", stats.LastRemoteIP})
		instances := make([]string, 0, len(stats.IngestInstances))
		for inst := range stats.IngestInstances {
			instances = append(instances, inst)
		}
		sort.Strings(instances)
		for _, inst := range instances {
			table.AddRow([]string{"instance " + inst, stats.IngestInstances[inst]})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesStatsCmd)

	sourcesCmd.PersistentFlags().String("ingest-url", "", "ingest service URL (default: profile ingest_url)")
}
