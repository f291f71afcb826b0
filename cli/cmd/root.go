package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cvanalytics/pipeline/cli/pkg/output"
	"github.com/cvanalytics/pipeline/common/config"
)

var cfg *config.CLIConfig

var rootCmd = &cobra.Command{
	Use:   "cvctl",
	Short: "CV Analytics pipeline CLI",
	Long: `cvctl talks to the CV Analytics pipeline from your terminal.

Send signed webhook deliveries to the ingest service, seed test traffic,
and inspect timelines, aggregates and dead letters on the processor.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current_profile)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
}

func initConfig() {
	var err error
	cfg, err = config.LoadCLI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

// activeProfile resolves the --profile flag against the loaded config.
func activeProfile(cmd *cobra.Command) config.CLIProfile {
	if cfg == nil {
		cfg = config.DefaultCLI()
	}
	name, _ := cmd.Flags().GetString("profile")
	return cfg.Profile(name)
}

func outputFormat(cmd *cobra.Command) (output.Format, error) {
	raw, _ := cmd.Flags().GetString("output")
	return output.ParseFormat(raw)
}

// flagOr returns the named string flag when set, otherwise fallback.
func flagOr(cmd *cobra.Command, name, fallback string) string {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return fallback
}
