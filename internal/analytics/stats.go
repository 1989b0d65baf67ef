package analytics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"windtunnel-telemetry/internal/telemetry"
)

// Aggregate computes per-channel statistics over records. Channels with no
// sample are absent from the result.
func Aggregate(source string, from, to time.Time, records []telemetry.Record) telemetry.Aggregation {
	agg := telemetry.Aggregation{
		Source:   source,
		From:     from,
		To:       to,
		Count:    len(records),
		Channels: make(map[telemetry.Channel]telemetry.ChannelStats),
	}
	for _, ch := range telemetry.Channels {
		values := collect(records, ch)
		if len(values) == 0 {
			continue
		}
		agg.Channels[ch] = describe(values)
	}
	return agg
}

func collect(records []telemetry.Record, ch telemetry.Channel) []float64 {
	values := make([]float64, 0, len(records))
	for i := range records {
		if v, ok := records[i].Value(ch); ok {
			values = append(values, v)
		}
	}
	return values
}

// describe uses the sample standard deviation (n-1).
func describe(values []float64) telemetry.ChannelStats {
	stats := telemetry.ChannelStats{
		Count: len(values),
		Max:   values[0],
		Min:   values[0],
	}
	sum := 0.0
	for _, v := range values {
		sum += v
		stats.Max = math.Max(stats.Max, v)
		stats.Min = math.Min(stats.Min, v)
	}
	mean := sum / float64(len(values))
	stats.Average = mean

	if len(values) >= 2 {
		ss := 0.0
		for _, v := range values {
			d := v - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(len(values)-1))
		stats.StdDev = &sd
	}
	return stats
}

// TrendOf compares the first and last non-null values of a channel over
// records ordered oldest first.
func TrendOf(records []telemetry.Record, ch telemetry.Channel) telemetry.TrendResult {
	values := collect(records, ch)
	res := telemetry.TrendResult{Samples: len(values)}
	if len(values) < 2 {
		res.Direction = telemetry.TrendInsufficientData
		return res
	}

	first := decimal.NewFromFloat(values[0])
	last := decimal.NewFromFloat(values[len(values)-1])
	switch last.Cmp(first) {
	case 1:
		res.Direction = telemetry.TrendIncreasing
	case -1:
		res.Direction = telemetry.TrendDecreasing
	default:
		res.Direction = telemetry.TrendStable
	}

	if !first.IsZero() {
		pct := last.Sub(first).Div(first).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
		res.PercentChange = &pct
	}
	return res
}
