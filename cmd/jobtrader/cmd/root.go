package cmd

import (
	"context"
	"fmt"

	"github.com/rustyeddy/jobtrader/config"
	"github.com/rustyeddy/jobtrader/internal/app"
	"github.com/rustyeddy/jobtrader/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobtrader",
	Short: "Gated, idempotent trading jobs",
	Long: `Jobtrader runs a daily trading pipeline as three independent jobs:

  update_ohlc         - pull new candles from the market data sources
  update_strategy     - turn fresh candles into desired positions
  position_and_order  - reconcile desired against live positions and place orders

Each job may be invoked as often as you like (cron, systemd timers, a loop).
A run gate makes sure the real work happens at most once per period and
never concurrently.`,
	SilenceUsage: true,
}

var cfgFile string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "jobtrader.yaml", "config file")
}

func loadConfig() (*config.Config, *logrus.Entry, error) {
	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logrus.NewEntry(logger), nil
}

// openApp loads the config and wires the jobs. Callers must Close the app.
func openApp(ctx context.Context) (*app.App, *logrus.Entry, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("startup: %w", err)
	}
	return a, log, nil
}
