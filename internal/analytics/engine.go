// Package analytics computes statistics and screening verdicts over
// telemetry records held in the record store.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/eventbus"
	"windtunnel-telemetry/internal/rules"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
)

const (
	timelinessPast   = 24 * time.Hour
	timelinessFuture = time.Minute

	// ComplexRisingTemperature pairs adjacent non-normal records whose
	// temperature keeps rising.
	ComplexRisingTemperature = "rising_temperature_anomaly"
)

// Publisher is the part of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) int
}

// Options tune the engine.
type Options struct {
	// Thresholds are per-channel maxima applied during screening; a fired
	// threshold raises risk to serious.
	Thresholds map[telemetry.Channel]float64
	Now        func() time.Time
}

// Engine is the aggregation and screening service.
type Engine struct {
	store     storage.RecordStore
	rules     *rules.Set
	publisher Publisher
	opts      Options
	logger    zerolog.Logger
}

// RuleAnalysis is the outcome of running the rule set on one record.
type RuleAnalysis struct {
	Abnormal    bool                    `json:"abnormal"`
	Description string                  `json:"description,omitempty"`
	Results     []telemetry.CheckResult `json:"results"`
}

// Assessment is the screening verdict written back onto a record.
type Assessment struct {
	Status      telemetry.Status                               `json:"status"`
	Risk        telemetry.RiskLevel                            `json:"risk_level"`
	Description string                                         `json:"description,omitempty"`
	Quality     telemetry.Quality                              `json:"quality"`
	Thresholds  map[telemetry.Channel]telemetry.ThresholdAlert `json:"thresholds,omitempty"`
}

// RescoreReport summarises a rescore pass.
type RescoreReport struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// New builds an engine. publisher may be nil.
func New(store storage.RecordStore, set *rules.Set, publisher Publisher, opts Options, logger zerolog.Logger) *Engine {
	if set == nil {
		set = rules.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     store,
		rules:     set,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "analytics").Logger(),
	}
}

// Rules exposes the active rule set.
func (e *Engine) Rules() *rules.Set { return e.rules }

// AggregateWindow aggregates a source over [now-window, now].
func (e *Engine) AggregateWindow(ctx context.Context, source string, window time.Duration) (telemetry.Aggregation, error) {
	if window <= 0 {
		return telemetry.Aggregation{}, fmt.Errorf("window must be positive, got %s", window)
	}
	now := e.opts.Now()
	from := now.Add(-window)
	// store ranges are half-open; nudge the end so records stamped exactly now count
	records, err := e.store.FindBySourceAndTimeRange(ctx, source, from, now.Add(time.Nanosecond))
	if err != nil {
		return telemetry.Aggregation{}, fmt.Errorf("load window for %s: %w", source, err)
	}
	return Aggregate(source, from, now, records), nil
}

// AggregateRange aggregates a source over the half-open interval [start, end).
func (e *Engine) AggregateRange(ctx context.Context, source string, start, end time.Time) (telemetry.Aggregation, error) {
	if !start.Before(end) {
		return telemetry.Aggregation{}, fmt.Errorf("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	records, err := e.store.FindBySourceAndTimeRange(ctx, source, start, end)
	if err != nil {
		return telemetry.Aggregation{}, fmt.Errorf("load range for %s: %w", source, err)
	}
	return Aggregate(source, start, end, records), nil
}

// Trend evaluates every channel over the most recent samples of a source.
func (e *Engine) Trend(ctx context.Context, source string, samples int) (map[telemetry.Channel]telemetry.TrendResult, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("trend needs a positive sample count, got %d", samples)
	}
	latest, err := e.store.FindLatestBySource(ctx, source, samples)
	if err != nil {
		return nil, fmt.Errorf("load latest for %s: %w", source, err)
	}
	sort.SliceStable(latest, func(i, j int) bool {
		return latest[i].DataTime.Before(latest[j].DataTime)
	})

	out := make(map[telemetry.Channel]telemetry.TrendResult, len(telemetry.Channels))
	for _, ch := range telemetry.Channels {
		out[ch] = TrendOf(latest, ch)
	}
	return out, nil
}

// ThresholdCheck compares each thresholded channel against its maximum.
// Channels without a threshold or without a value are skipped.
func (e *Engine) ThresholdCheck(rec telemetry.Record, thresholds map[telemetry.Channel]float64) map[telemetry.Channel]telemetry.ThresholdAlert {
	out := make(map[telemetry.Channel]telemetry.ThresholdAlert, len(thresholds))
	for ch, limit := range thresholds {
		v, ok := rec.Value(ch)
		if !ok {
			continue
		}
		alert := telemetry.ThresholdAlert{Alert: v > limit, Value: v, Max: limit}
		if alert.Alert {
			alert.Message = fmt.Sprintf("%s %s exceeds threshold %s", ch.Label(), fmtNum(v), fmtNum(limit))
		} else {
			alert.Message = fmt.Sprintf("%s %s within threshold %s", ch.Label(), fmtNum(v), fmtNum(limit))
		}
		out[ch] = alert
	}
	return out
}

// QualityCheck grades one record. Consistency has no cross-field checks yet
// and always passes.
func (e *Engine) QualityCheck(rec telemetry.Record) telemetry.Quality {
	return e.qualityAt(rec, e.opts.Now())
}

// qualityAt grades timeliness relative to ref instead of the wall clock.
func (e *Engine) qualityAt(rec telemetry.Record, now time.Time) telemetry.Quality {
	abnormal, _ := e.rules.Evaluate(&rec)
	return telemetry.Quality{
		Completeness: rec.Source != "" && !rec.DataTime.IsZero(),
		Consistency:  true,
		Accuracy:     !abnormal,
		Timeliness:   rec.DataTime.After(now.Add(-timelinessPast)) && !rec.DataTime.After(now.Add(timelinessFuture)),
	}
}

// DetectComplexEvents flags adjacent pairs where both records are non-normal
// and temperature strictly increases. Records must be ordered oldest first.
func (e *Engine) DetectComplexEvents(records []telemetry.Record) []telemetry.ComplexEvent {
	events := make([]telemetry.ComplexEvent, 0)
	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		if !nonNormal(prev) || !nonNormal(cur) {
			continue
		}
		t0, ok0 := prev.Value(telemetry.Temperature)
		t1, ok1 := cur.Value(telemetry.Temperature)
		if ok0 && ok1 && t1 > t0 {
			events = append(events, telemetry.ComplexEvent{
				Kind:   ComplexRisingTemperature,
				First:  prev.Clone(),
				Second: cur.Clone(),
			})
		}
	}
	return events
}

func nonNormal(rec telemetry.Record) bool {
	return rec.Status != "" && rec.Status != telemetry.StatusNormal
}

// AnalyzeByRules runs the rule set without touching the record.
func (e *Engine) AnalyzeByRules(rec telemetry.Record) RuleAnalysis {
	results := e.rules.Check(&rec)
	reasons := make([]string, 0)
	for _, r := range results {
		if r.Triggered {
			reasons = append(reasons, r.Reason)
		}
	}
	return RuleAnalysis{
		Abnormal:    len(reasons) > 0,
		Description: rules.JoinReasons(reasons),
		Results:     results,
	}
}

// Assess computes the screening verdict. Records that fail the completeness
// check are a fault; rule hits make a record abnormal.
func (e *Engine) Assess(rec telemetry.Record) Assessment {
	return e.assessAt(rec, e.opts.Now())
}

func (e *Engine) assessAt(rec telemetry.Record, ref time.Time) Assessment {
	analysis := e.AnalyzeByRules(rec)
	quality := e.qualityAt(rec, ref)
	thresholds := e.ThresholdCheck(rec, e.opts.Thresholds)

	status := telemetry.StatusNormal
	description := analysis.Description
	switch {
	case !quality.Completeness:
		status = telemetry.StatusFault
		if description == "" {
			description = "record incomplete: source or data time missing"
		}
	case analysis.Abnormal:
		status = telemetry.StatusAbnormal
	}

	thresholdAlert := false
	for _, ch := range telemetry.Channels {
		if a, ok := thresholds[ch]; ok && a.Alert {
			thresholdAlert = true
			if description == "" {
				description = a.Message
			}
		}
	}

	return Assessment{
		Status:      status,
		Risk:        rules.AssessRisk(status, quality.OK(), thresholdAlert),
		Description: description,
		Quality:     quality,
		Thresholds:  thresholds,
	}
}

// Screen fills defaults and writes the verdict onto rec.
func (e *Engine) Screen(rec *telemetry.Record) Assessment {
	rec.ApplyDefaults(e.opts.Now())
	a := e.Assess(*rec)
	rec.Status = a.Status
	rec.RiskLevel = a.Risk
	rec.AnomalyDescription = a.Description
	return a
}

// ProcessRealtime screens, persists and publishes one record. The record is
// published even when persisting fails, so anomalies still reach observers;
// the store error is returned.
func (e *Engine) ProcessRealtime(ctx context.Context, rec telemetry.Record) (telemetry.Record, error) {
	e.Screen(&rec)

	var saveErr error
	if e.store != nil {
		if err := e.store.Save(ctx, &rec); err != nil {
			saveErr = fmt.Errorf("save record: %w", err)
			e.logger.Error().Err(err).Str("source", rec.Source).Msg("failed to persist record")
		}
	}

	e.publish(ctx, eventbus.Event{Kind: eventbus.KindCreated, Record: rec})
	return rec, saveErr
}

// Rescore re-screens stored records in [from, to) and writes back verdicts
// that changed, publishing an updated event for each.
func (e *Engine) Rescore(ctx context.Context, from, to time.Time, dryRun bool) (RescoreReport, error) {
	var report RescoreReport
	records, err := e.store.FindByTimeRange(ctx, from, to)
	if err != nil {
		return report, fmt.Errorf("load records for rescore: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		// timeliness is judged against ingestion time, not against today
		ref := rec.CreatedAt
		if ref.IsZero() {
			ref = e.opts.Now()
		}
		a := e.assessAt(rec, ref)
		if a.Status == rec.Status && a.Risk == rec.RiskLevel && a.Description == rec.AnomalyDescription {
			continue
		}
		report.Changed++
		if dryRun {
			continue
		}

		previous := rec.Status
		if err := e.store.UpdateAssessment(ctx, rec.ID, a.Status, a.Risk, a.Description); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("record %d: %w", rec.ID, err))
			continue
		}
		rec.Status, rec.RiskLevel, rec.AnomalyDescription = a.Status, a.Risk, a.Description
		e.publish(ctx, eventbus.Event{Kind: eventbus.KindUpdated, Previous: previous, Record: rec})
	}

	e.logger.Info().Int("scanned", report.Scanned).Int("changed", report.Changed).Int("failed", report.Failed).
		Bool("dry_run", dryRun).Msg("rescore finished")
	return report, errors.Join(errs...)
}

func (e *Engine) publish(ctx context.Context, ev eventbus.Event) {
	if e.publisher == nil {
		return
	}
	if failed := e.publisher.Publish(ctx, ev); failed > 0 {
		e.logger.Debug().Int("failed_observers", failed).Int64("record_id", ev.Record.ID).Msg("publish completed with failures")
	}
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
