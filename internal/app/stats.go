package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"windtunnel-telemetry/internal/telemetry"
)

// Stats prints per-channel statistics for a source over a window or range.
func (a *App) Stats(ctx context.Context, out io.Writer, opts StatsOptions) error {
	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if !rt.Persistent {
		return fmt.Errorf("database not configured; cannot compute stats")
	}

	var agg telemetry.Aggregation
	if opts.From != nil && opts.To != nil {
		agg, err = rt.Engine.AggregateRange(ctx, opts.Source, *opts.From, *opts.To)
	} else {
		agg, err = rt.Engine.AggregateWindow(ctx, opts.Source, opts.Window)
	}
	if err != nil {
		return err
	}
	return writeAggregation(out, agg)
}

func writeAggregation(out io.Writer, agg telemetry.Aggregation) error {
	fmt.Fprintf(out, "source: %s\nfrom: %s\nto: %s\nrecords: %d\n",
		agg.Source, agg.From.UTC().Format(time.RFC3339), agg.To.UTC().Format(time.RFC3339), agg.Count)
	if len(agg.Channels) == 0 {
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Channel\tCount\tAverage\tMin\tMax\tStdDev")
	for _, ch := range telemetry.Channels {
		s, ok := agg.Channels[ch]
		if !ok {
			continue
		}
		stddev := "-"
		if s.StdDev != nil {
			stddev = fixed(*s.StdDev)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\n", ch, s.Count, fixed(s.Average), fixed(s.Min), fixed(s.Max), stddev)
	}
	return writer.Flush()
}

// Trend prints the direction of every channel over the latest samples.
func (a *App) Trend(ctx context.Context, out io.Writer, opts TrendOptions) error {
	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if !rt.Persistent {
		return fmt.Errorf("database not configured; cannot compute trend")
	}

	trends, err := rt.Engine.Trend(ctx, opts.Source, opts.Samples)
	if err != nil {
		return err
	}
	return writeTrends(out, trends)
}

func writeTrends(out io.Writer, trends map[telemetry.Channel]telemetry.TrendResult) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Channel\tDirection\tChange%\tSamples")
	for _, ch := range telemetry.Channels {
		t, ok := trends[ch]
		if !ok {
			continue
		}
		pct := "-"
		if t.PercentChange != nil {
			pct = fixed(*t.PercentChange)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\n", ch, t.Direction, pct, t.Samples)
	}
	return writer.Flush()
}

func fixed(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(3)
}
