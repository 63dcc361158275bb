package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rustyeddy/jobtrader/jobs"
	"github.com/spf13/cobra"
)

var (
	tickEvery time.Duration
	jobNow    string
)

func jobCommand(use, job, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The command exits 0 when the job ran successfully or was skipped
(not due, already running, inputs unchanged) and 1 when it failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd.Context(), []string{job})
		},
	}
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Offer one tick to all three jobs, in pipeline order",
	Long: `Run update_ohlc, update_strategy and position_and_order in order.
Each job is gated independently, so a tick only does what is due.

With --every the command keeps ticking until interrupted.

Examples:
  jobtrader tick
  jobtrader tick --every 5m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := []string{jobs.UpdateOHLC, jobs.UpdateStrategy, jobs.PositionAndOrder}
		if tickEvery > 0 && jobNow != "" {
			return fmt.Errorf("--now cannot be combined with --every")
		}
		if tickEvery <= 0 {
			return runJobs(cmd.Context(), names)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()
		for {
			if err := runJobs(ctx, names); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{
		jobCommand("update-ohlc", jobs.UpdateOHLC, "Fetch and store new candles for every tracked instrument"),
		jobCommand("update-strategy", jobs.UpdateStrategy, "Evaluate strategies over freshly stored candles"),
		jobCommand("position-and-order", jobs.PositionAndOrder, "Reconcile desired positions with the broker and place orders"),
		tickCmd,
	} {
		c.Flags().StringVar(&jobNow, "now", "", "evaluate as of this RFC3339 time instead of the clock")
		rootCmd.AddCommand(c)
	}
	tickCmd.Flags().DurationVar(&tickEvery, "every", 0, "keep ticking at this interval")
}

func runJobs(ctx context.Context, names []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	if jobNow != "" {
		t, err := time.Parse(time.RFC3339, jobNow)
		if err != nil {
			return fmt.Errorf("--now: %w", err)
		}
		now = t.UTC()
	}

	a, log, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var runners []jobs.Runner
	for _, n := range names {
		r, err := a.Runner(n)
		if err != nil {
			return err
		}
		runners = append(runners, r)
	}

	failed := 0
	for _, res := range jobs.Tick(ctx, now, runners...) {
		entry := log.WithField("job", res.Job).WithField("duration", res.Duration)
		for _, k := range sortedKeys(res.Summary) {
			entry = entry.WithField(k, res.Summary[k])
		}
		switch {
		case res.Err != nil:
			failed++
			entry.WithError(res.Err).Error("tick failed")
		case res.Deferred:
			entry.Info("tick deferred; the job stays due")
		case res.Skipped != "":
			entry.WithField("reason", string(res.Skipped)).Info("tick skipped")
		default:
			entry.Info("tick done")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d job(s) failed", failed)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
