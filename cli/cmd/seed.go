package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/internal/client"
	"github.com/cvanalytics/pipeline/cli/internal/seeder"
	"github.com/cvanalytics/pipeline/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send generated webhook traffic",
	Long: `Generate GitHub-shaped webhook deliveries and send them, signed, to the
ingest service.

Configuration cascade (priority order):
  1. Command-line flags
  2. ./seeder.yaml (project directory)
  3. ~/.cvctl/seeder.yaml (user directory)
  4. Built-in defaults`,
	Example: `  cvctl seed --count 500 --correlations 20
  cvctl seed --event-types issues,issue_comment --repository acme/widgets --seed 7`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().String("config", "", "seeder config file")
	seedCmd.Flags().String("source", "", "webhook source name")
	seedCmd.Flags().Int("count", 0, "number of deliveries")
	seedCmd.Flags().Int("correlations", 0, "distinct issue and pull request numbers")
	seedCmd.Flags().StringSlice("event-types", nil, "event types to generate")
	seedCmd.Flags().StringSlice("repository", nil, "repository full names")
	seedCmd.Flags().Int("concurrency", 0, "deliveries in flight")
	seedCmd.Flags().Duration("interval", 0, "pause between deliveries")
	seedCmd.Flags().Int64("seed", 0, "random seed for reproducible payloads")
	seedCmd.Flags().String("secret", "", "webhook secret (default: profile webhook_secret)")
	seedCmd.Flags().String("ingest-url", "", "ingest service URL (default: profile ingest_url)")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	sc, err := seeder.LoadConfig(path)
	if err != nil {
		return err
	}
	applySeedFlags(cmd, sc)
	if err := sc.Validate(); err != nil {
		return err
	}

	profile := activeProfile(cmd)
	secret := flagOr(cmd, "secret", profile.WebhookSecret)
	if secret == "" {
		return fmt.Errorf("webhook secret is required (use --secret or CVCTL_WEBHOOK_SECRET)")
	}
	ingestURL := flagOr(cmd, "ingest-url", profile.IngestURL)

	output.Info("Seeding %d %s deliveries to %s (%d correlations, %d in flight)",
		sc.Count, sc.Source, ingestURL, sc.Correlations, sc.Concurrency)

	runner := seeder.NewRunner(sc, client.NewIngestClient(ingestURL), secret)
	step := max(sc.Count/10, 1)
	runner.Progress = func(done, total int) {
		if done%step == 0 || done == total {
			output.Info("  %d/%d", done, total)
		}
	}

	sum, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}

	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if format == output.FormatJSON {
		return output.JSON(sum)
	}

	ids := make([]string, 0, len(sum.Correlations))
	for id := range sum.Correlations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	table := output.NewTable([]string{"CORRELATION ID", "DELIVERIES"})
	for _, id := range ids {
		table.AddRow([]string{id, fmt.Sprint(sum.Correlations[id])})
	}
	table.Render()

	if sum.Failed > 0 {
		output.Warn("%d deliveries sent, %d failed", sum.Sent, sum.Failed)
		for _, e := range sum.Errors {
			output.Warn("  %s", e)
		}
		return fmt.Errorf("%d deliveries failed", sum.Failed)
	}
	output.Success("%d deliveries sent", sum.Sent)
	return nil
}

func applySeedFlags(cmd *cobra.Command, sc *seeder.Config) {
	f := cmd.Flags()
	if f.Changed("source") {
		sc.Source, _ = f.GetString("source")
	}
	if f.Changed("count") {
		sc.Count, _ = f.GetInt("count")
	}
	if f.Changed("correlations") {
		sc.Correlations, _ = f.GetInt("correlations")
	}
	if f.Changed("event-types") {
		sc.EventTypes, _ = f.GetStringSlice("event-types")
	}
	if f.Changed("repository") {
		sc.Repositories, _ = f.GetStringSlice("repository")
	}
	if f.Changed("concurrency") {
		sc.Concurrency, _ = f.GetInt("concurrency")
	}
	if f.Changed("interval") {
		sc.Interval, _ = f.GetDuration("interval")
	}
	if f.Changed("seed") {
		sc.Seed, _ = f.GetInt64("seed")
	}
}
