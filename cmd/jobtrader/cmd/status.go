package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rustyeddy/jobtrader/store"
	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job runs, live positions and recent order intents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := store.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer s.Close()

		runs, err := s.ListJobRuns(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSTATE\tLAST SUCCESS\tLAST RUN\tRUNS\tFAILURES\tLAST ERROR")
		for _, r := range runs {
			state := "idle"
			if r.Running() {
				state = "running since " + stamp(r.StartedAt)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", r.JobName, state, stamp(r.LastSuccessAt), stamp(r.LastRunAt), r.Runs, r.Failures, r.LastError)
		}
		tw.Flush()

		positions, err := s.ListPositions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ACCOUNT\tINSTRUMENT\tQUANTITY\tAVG PRICE\tPOLLED")
		for _, p := range positions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Account, p.InstrumentID, p.Quantity, p.AvgPrice, stamp(p.PolledAt))
		}
		tw.Flush()

		intents, err := s.ListIntents(cmd.Context(), "", statusLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STRATEGY\tINSTRUMENT\tMARKER\tDELTA\tSTATUS\tATTEMPTS\tFILLED\tERROR")
		for _, in := range intents {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n", in.StrategyID, in.InstrumentID, stamp(in.Marker),
				in.RequestedQuantityDelta, in.Status, in.Attempts, in.FilledQuantity, in.LastError)
		}
		return tw.Flush()
	},
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "number of order intents to show")
	rootCmd.AddCommand(statusCmd)
}
