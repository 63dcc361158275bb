package cmd

import (
	"fmt"

	"github.com/rustyeddy/jobtrader/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  jobtrader config init -o jobtrader.yaml
  jobtrader config validate -c jobtrader.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "jobtrader.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Created default configuration: %s\n", configInitOutput)
	fmt.Println("\nEdit the file, then initialise the database and start ticking:")
	fmt.Printf("  jobtrader db init -c %s\n", configInitOutput)
	fmt.Printf("  jobtrader tick -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("✓ Configuration valid: %s\n", cfgFile)
	fmt.Printf("  Database: %s\n", cfg.Database.Driver)
	fmt.Printf("  Broker: %s\n", cfg.Broker.Kind)
	fmt.Printf("  Gate: %s\n", cfg.Gate.Locker)
	for _, s := range cfg.Strategies {
		fmt.Printf("  Strategy: %s (%s %s) %v -> %s\n", s.ID, s.Kind, s.Timeframe, s.Instruments, s.Account)
	}
	for _, p := range cfg.Pairs() {
		fmt.Printf("  Tracks: %s\n", p)
	}
	return nil
}
