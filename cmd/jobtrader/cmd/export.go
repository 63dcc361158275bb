package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rustyeddy/jobtrader/journal"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/spf13/cobra"
)

var (
	exportOutput     string
	exportLimit      int
	exportStatus     string
	exportInstrument string
	exportTimeframe  string
	exportFrom       string
	exportTo         string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export order intents or stored candles as CSV",
}

var exportIntentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Export order intents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withExport(cmd, func(s *store.Store, j *journal.CSV) error {
			intents, err := s.ListIntents(cmd.Context(), store.OrderStatus(exportStatus), exportLimit)
			if err != nil {
				return err
			}
			return j.WriteIntents(intents)
		})
	},
}

var exportCandlesCmd = &cobra.Command{
	Use:   "candles",
	Short: "Export stored candles for one instrument and timeframe",
	Long: `Export stored candles for one instrument and timeframe.

Example:
  jobtrader export candles -i BTC_USD -t 1d --from 2024-01-01 -o btc.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tf, err := market.ParseTimeframe(exportTimeframe)
		if err != nil {
			return err
		}
		from, err := parseDay(exportFrom, time.Unix(0, 0).UTC())
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parseDay(exportTo, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		pair := market.Pair{Instrument: exportInstrument, Timeframe: tf}
		return withExport(cmd, func(s *store.Store, j *journal.CSV) error {
			candles, err := s.Candles(cmd.Context(), pair, from, to)
			if err != nil {
				return err
			}
			return j.WriteCandles(candles)
		})
	},
}

func init() {
	exportCmd.PersistentFlags().StringVarP(&exportOutput, "output", "o", "-", "output file, - for stdout")

	exportIntentsCmd.Flags().IntVarP(&exportLimit, "limit", "n", 1000, "maximum rows")
	exportIntentsCmd.Flags().StringVar(&exportStatus, "status", "", "only intents in this status (Pending, Submitted, Filled, Rejected, Cancelled)")

	exportCandlesCmd.Flags().StringVarP(&exportInstrument, "instrument", "i", "", "instrument symbol (required)")
	exportCandlesCmd.Flags().StringVarP(&exportTimeframe, "timeframe", "t", "1d", "timeframe")
	exportCandlesCmd.Flags().StringVar(&exportFrom, "from", "", "first day, YYYY-MM-DD or RFC3339")
	exportCandlesCmd.Flags().StringVar(&exportTo, "to", "", "last day, YYYY-MM-DD or RFC3339")
	exportCandlesCmd.MarkFlagRequired("instrument")

	exportCmd.AddCommand(exportIntentsCmd, exportCandlesCmd)
	rootCmd.AddCommand(exportCmd)
}

func withExport(cmd *cobra.Command, fn func(*store.Store, *journal.CSV) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	var w io.Writer = os.Stdout
	if exportOutput != "-" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return fn(s, journal.NewCSV(w))
}

func parseDay(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
