package cmd

import (
	"fmt"

	"github.com/rustyeddy/jobtrader/internal/app"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the schema and register configured instruments",
	Long: `Create or migrate the database schema and upsert every instrument the
configuration names. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.Build(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.Store.ListInstruments(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Database ready: %s (%s)\n", cfg.Database.DSN, cfg.Database.Driver)
		for _, in := range list {
			fmt.Printf("  %s\t%s\tmin %s\n", in.Symbol, in.Source, in.MinTradeSize)
		}
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	rootCmd.AddCommand(dbCmd)
}
