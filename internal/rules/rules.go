// Package rules screens telemetry records against per-channel normal ranges.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"windtunnel-telemetry/internal/telemetry"
)

// Rule inspects one channel of a record. Implementations must not mutate the record.
type Rule interface {
	Field() telemetry.Channel
	Detect(rec *telemetry.Record) bool
	Describe(rec *telemetry.Record) string
}

// Bound is an inclusive normal range.
type Bound struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// Contains reports whether v lies inside the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// DefaultBounds is the canonical normal-range table. Temperature and pressure
// use the wider of the historically divergent limits.
var DefaultBounds = map[telemetry.Channel]Bound{
	telemetry.WindSpeed:   {Min: 0, Max: 150},
	telemetry.Temperature: {Min: -50, Max: 150},
	telemetry.Pressure:    {Min: 0, Max: 200},
	telemetry.Voltage:     {Min: 0, Max: 500},
	telemetry.Current:     {Min: 0, Max: 100},
}

// RangeRule flags a channel value outside an inclusive range.
type RangeRule struct {
	Channel telemetry.Channel
	Bound   Bound
}

// Field returns the inspected channel.
func (r RangeRule) Field() telemetry.Channel { return r.Channel }

// Detect reports true when the channel is present and out of range.
func (r RangeRule) Detect(rec *telemetry.Record) bool {
	v, ok := rec.Value(r.Channel)
	return ok && !r.Bound.Contains(v)
}

// Describe renders a reason naming the channel, the value and the range.
func (r RangeRule) Describe(rec *telemetry.Record) string {
	v, ok := rec.Value(r.Channel)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s %s outside normal range [%s, %s]",
		r.Channel.Label(), formatFloat(v), formatFloat(r.Bound.Min), formatFloat(r.Bound.Max))
}

// Set is an ordered, immutable collection of rules.
type Set struct {
	rules []Rule
}

// NewSet builds a rule set in the given order.
func NewSet(rules ...Rule) *Set {
	list := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil {
			list = append(list, r)
		}
	}
	return &Set{rules: list}
}

// FromBounds builds range rules in canonical channel order.
func FromBounds(bounds map[telemetry.Channel]Bound) *Set {
	rules := make([]Rule, 0, len(bounds))
	for _, ch := range telemetry.Channels {
		if b, ok := bounds[ch]; ok {
			rules = append(rules, RangeRule{Channel: ch, Bound: b})
		}
	}
	return NewSet(rules...)
}

// Default returns the canonical rule set.
func Default() *Set {
	return FromBounds(DefaultBounds)
}

// Rules returns a copy of the rule list.
func (s *Set) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Subset keeps only the rules that inspect the given channels, preserving order.
func (s *Set) Subset(channels ...telemetry.Channel) *Set {
	want := make(map[telemetry.Channel]struct{}, len(channels))
	for _, ch := range channels {
		want[ch] = struct{}{}
	}
	out := make([]Rule, 0, len(channels))
	for _, r := range s.rules {
		if _, ok := want[r.Field()]; ok {
			out = append(out, r)
		}
	}
	return &Set{rules: out}
}

// Check runs every rule whose channel is present on the record.
func (s *Set) Check(rec *telemetry.Record) []telemetry.CheckResult {
	results := make([]telemetry.CheckResult, 0, len(s.rules))
	for _, r := range s.rules {
		if _, ok := rec.Value(r.Field()); !ok {
			continue
		}
		res := telemetry.CheckResult{Field: r.Field()}
		if r.Detect(rec) {
			res.Triggered = true
			res.Reason = r.Describe(rec)
		}
		results = append(results, res)
	}
	return results
}

// Evaluate reports whether any rule triggers, with the reasons in rule order.
func (s *Set) Evaluate(rec *telemetry.Record) (bool, []string) {
	var reasons []string
	for _, res := range s.Check(rec) {
		if res.Triggered {
			reasons = append(reasons, res.Reason)
		}
	}
	return len(reasons) > 0, reasons
}

// JoinReasons renders reasons as a single anomaly description.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}

// AssessRisk applies the three-tier escalation: general by default, serious
// when quality fails or a threshold alert fired, severe when abnormal.
func AssessRisk(status telemetry.Status, qualityOK, thresholdAlert bool) telemetry.RiskLevel {
	if status == telemetry.StatusAbnormal || status == telemetry.StatusFault {
		return telemetry.RiskSevere
	}
	if !qualityOK || thresholdAlert {
		return telemetry.RiskSerious
	}
	return telemetry.RiskGeneral
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
