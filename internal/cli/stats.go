package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"windtunnel-telemetry/internal/app"
)

var (
	statsSource  string
	statsWindow  time.Duration
	statsFrom    string
	statsTo      string
	trendSource  string
	trendSamples int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Per-channel statistics for a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsSource == "" {
			return errors.New("--source is required")
		}
		opts := app.StatsOptions{Source: statsSource, Window: statsWindow}

		var err error
		if opts.From, err = parseTimeFlag("from", statsFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", statsTo); err != nil {
			return err
		}
		if (opts.From == nil) != (opts.To == nil) {
			return errors.New("--from and --to must be used together")
		}

		return getApp().Stats(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var trendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Trend direction of every channel over the latest samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trendSource == "" {
			return errors.New("--source is required")
		}
		return getApp().Trend(cmd.Context(), cmd.OutOrStdout(), app.TrendOptions{Source: trendSource, Samples: trendSamples})
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsSource, "source", "", "Source to aggregate")
	statsCmd.Flags().DurationVar(&statsWindow, "window", time.Hour, "Window ending now")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "Range start (RFC3339, inclusive); overrides --window")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "Range end (RFC3339, exclusive)")

	trendCmd.Flags().StringVar(&trendSource, "source", "", "Source to inspect")
	trendCmd.Flags().IntVar(&trendSamples, "samples", 10, "Number of latest samples")
}
