package telemetry

import "time"

// CheckResult is the outcome of one rule against one record.
type CheckResult struct {
	Triggered bool    `json:"triggered"`
	Field     Channel `json:"field"`
	Reason    string  `json:"reason,omitempty"`
}

// ChannelStats holds descriptive statistics for one channel.
// StdDev is nil when fewer than two samples exist.
type ChannelStats struct {
	Count   int      `json:"count"`
	Average float64  `json:"average"`
	Max     float64  `json:"max"`
	Min     float64  `json:"min"`
	StdDev  *float64 `json:"std_dev,omitempty"`
}

// Aggregation is the result of a windowed statistics query.
type Aggregation struct {
	Source   string                   `json:"source"`
	From     time.Time                `json:"from"`
	To       time.Time                `json:"to"`
	Count    int                      `json:"count"`
	Channels map[Channel]ChannelStats `json:"channels"`
}

// TrendDirection classifies the movement of a channel across samples.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// TrendResult describes one channel's trend. PercentChange is nil when the
// first sample is zero or there is not enough data.
type TrendResult struct {
	Direction     TrendDirection `json:"direction"`
	PercentChange *float64       `json:"percent_change,omitempty"`
	Samples       int            `json:"samples"`
}

// ThresholdAlert reports a caller-supplied maximum check for one channel.
type ThresholdAlert struct {
	Alert   bool    `json:"alert"`
	Value   float64 `json:"value"`
	Max     float64 `json:"max"`
	Message string  `json:"message"`
}

// Quality summarises the data-quality checks of a single record.
type Quality struct {
	Completeness bool `json:"completeness"`
	Consistency  bool `json:"consistency"`
	Accuracy     bool `json:"accuracy"`
	Timeliness   bool `json:"timeliness"`
}

// OK reports whether every quality dimension passed.
func (q Quality) OK() bool {
	return q.Completeness && q.Consistency && q.Accuracy && q.Timeliness
}

// ComplexEvent is a correlated pair of adjacent non-normal records.
type ComplexEvent struct {
	Kind   string `json:"kind"`
	First  Record `json:"first"`
	Second Record `json:"second"`
}
