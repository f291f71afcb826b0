package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/pkg/output"
	"github.com/cvanalytics/pipeline/common/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage cvctl profiles",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		p := activeProfile(cmd)
		if p.WebhookSecret != "" {
			p.WebhookSecret = "********"
		}
		if p.AccessToken != "" {
			p.AccessToken = "********"
		}
		if format == output.FormatJSON {
			return output.JSON(p)
		}
		table := output.NewTable([]string{"SETTING", "VALUE"})
		table.AddRow([]string{"config", cfg.Path()})
		table.AddRow([]string{"ingest_url", p.IngestURL})
		table.AddRow([]string{"processor_url", p.ProcessorURL})
		table.AddRow([]string{"webhook_secret", p.WebhookSecret})
		table.AddRow([]string{"access_token", p.AccessToken})
		table.Render()
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set-profile <name>",
	Short: "Create or update a profile",
	Example: `  cvctl config set-profile staging --ingest-url https://ingest.staging.example.com --webhook-secret $SECRET
  cvctl config set-profile staging --use`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		p, ok := cfg.Profiles[name]
		if !ok || p == nil {
			p = &config.CLIProfile{}
		}
		p.IngestURL = flagOr(cmd, "ingest-url", p.IngestURL)
		p.ProcessorURL = flagOr(cmd, "processor-url", p.ProcessorURL)
		p.WebhookSecret = flagOr(cmd, "webhook-secret", p.WebhookSecret)
		p.AccessToken = flagOr(cmd, "access-token", p.AccessToken)
		cfg.SetProfile(name, p)
		if use, _ := cmd.Flags().GetBool("use"); use {
			cfg.CurrentProfile = name
		}
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		output.Success("Profile %s saved to %s", name, cfg.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configSetCmd.Flags().String("ingest-url", "", "ingest service URL")
	configSetCmd.Flags().String("processor-url", "", "processor service URL")
	configSetCmd.Flags().String("webhook-secret", "", "webhook signing secret")
	configSetCmd.Flags().String("access-token", "", "stream subscription token")
	configSetCmd.Flags().Bool("use", false, "make this the current profile")
}
