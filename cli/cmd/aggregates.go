package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/pkg/output"
)

var aggregatesCmd = &cobra.Command{
	Use:   "aggregates [key]",
	Short: "List daily aggregates or show one",
	Example: `  cvctl aggregates
  cvctl aggregates 2026-10-16`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAggregates,
}

func init() {
	rootCmd.AddCommand(aggregatesCmd)

	aggregatesCmd.Flags().Int("limit", 30, "maximum aggregates to list")
	aggregatesCmd.Flags().String("processor-url", "", "processor service URL (default: profile processor_url)")
}

func runAggregates(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	pc := processorClient(cmd)

	if len(args) == 1 {
		agg, err := pc.Aggregate(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch aggregate: %w", err)
		}
		if format == output.FormatJSON {
			return output.JSON(agg)
		}
		output.Info("%s: %d events (version %d, updated %s)",
			agg.Key, agg.Count, agg.Version, agg.UpdatedAt.UTC().Format(time.RFC3339))
		fields := make([]string, 0, len(agg.DerivedFields))
		for f := range agg.DerivedFields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		table := output.NewTable([]string{"FIELD", "COUNT"})
		for _, f := range fields {
			table.AddRow([]string{f, fmt.Sprint(agg.DerivedFields[f])})
		}
		table.Render()
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	aggs, err := pc.Aggregates(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list aggregates: %w", err)
	}
	if format == output.FormatJSON {
		return output.JSON(aggs)
	}
	if len(aggs) == 0 {
		output.Warn("No aggregates yet")
		return nil
	}
	table := output.NewTable([]string{"KEY", "COUNT", "VERSION", "UPDATED"})
	for _, a := range aggs {
		table.AddRow([]string{a.Key, fmt.Sprint(a.Count), fmt.Sprint(a.Version), a.UpdatedAt.UTC().Format(time.RFC3339)})
	}
	table.Render()
	return nil
}
