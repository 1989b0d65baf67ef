package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtunnel-telemetry/internal/eventbus"
	"windtunnel-telemetry/internal/rules"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	events []eventbus.Event
}

func (r *recorder) Publish(_ context.Context, ev eventbus.Event) int {
	r.events = append(r.events, ev)
	return 0
}

func newEngine(t *testing.T, store storage.RecordStore, pub Publisher, thresholds map[telemetry.Channel]float64) *Engine {
	t.Helper()
	return New(store, rules.Default(), pub, Options{Thresholds: thresholds, Now: func() time.Time { return now }}, zerolog.Nop())
}

func record(source string, at time.Time, ch telemetry.Channel, v float64) *telemetry.Record {
	rec := &telemetry.Record{Source: source, DataTime: at, CreatedAt: at}
	rec.Set(ch, v)
	return rec
}

func TestAggregateWindowEmpty(t *testing.T) {
	e := newEngine(t, storage.NewMemoryStore(), nil, nil)
	agg, err := e.AggregateWindow(context.Background(), "PC_A", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, agg.Count)
	assert.Empty(t, agg.Channels)
}

func TestAggregateWindowSingleRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), record("PC_A", now.Add(-time.Minute), telemetry.WindSpeed, 42)))
	e := newEngine(t, store, nil, nil)

	agg, err := e.AggregateWindow(context.Background(), "PC_A", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, agg.Count)
	stats, ok := agg.Channels[telemetry.WindSpeed]
	require.True(t, ok)
	assert.Equal(t, 42.0, stats.Average)
	assert.Equal(t, 42.0, stats.Max)
	assert.Equal(t, 42.0, stats.Min)
	assert.Nil(t, stats.StdDev)
	_, hasTemp := agg.Channels[telemetry.Temperature]
	assert.False(t, hasTemp)
}

func TestAggregateWindowIncludesNowAndExcludesOld(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, record("PC_A", now, telemetry.Temperature, 10)))
	require.NoError(t, store.Save(ctx, record("PC_A", now.Add(-30*time.Minute), telemetry.Temperature, 20)))
	require.NoError(t, store.Save(ctx, record("PC_A", now.Add(-2*time.Hour), telemetry.Temperature, 1000)))
	require.NoError(t, store.Save(ctx, record("PC_B", now, telemetry.Temperature, 1000)))

	agg, err := newEngine(t, store, nil, nil).AggregateWindow(ctx, "PC_A", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Count)
	stats := agg.Channels[telemetry.Temperature]
	assert.Equal(t, 15.0, stats.Average)
	require.NotNil(t, stats.StdDev)
	assert.InDelta(t, 7.0710678, *stats.StdDev, 1e-6)
}

func TestAggregateRangeHalfOpen(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	start := now.Add(-time.Hour)
	require.NoError(t, store.Save(ctx, record("PC_A", start, telemetry.Power, 1)))
	require.NoError(t, store.Save(ctx, record("PC_A", now, telemetry.Power, 100)))

	agg, err := newEngine(t, store, nil, nil).AggregateRange(ctx, "PC_A", start, now)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Count)
	assert.Equal(t, 1.0, agg.Channels[telemetry.Power].Max)

	_, err = newEngine(t, store, nil, nil).AggregateRange(ctx, "PC_A", now, start)
	assert.Error(t, err)
}

func TestTrend(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, record("PC_A", now.Add(-2*time.Minute), telemetry.WindSpeed, 10)))
	require.NoError(t, store.Save(ctx, record("PC_A", now.Add(-time.Minute), telemetry.WindSpeed, 20)))

	trend, err := newEngine(t, store, nil, nil).Trend(ctx, "PC_A", 10)
	require.NoError(t, err)
	ws := trend[telemetry.WindSpeed]
	assert.Equal(t, telemetry.TrendIncreasing, ws.Direction)
	require.NotNil(t, ws.PercentChange)
	assert.Equal(t, 100.0, *ws.PercentChange)
	assert.Equal(t, telemetry.TrendInsufficientData, trend[telemetry.Temperature].Direction)
}

func TestTrendSingleSample(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, record("PC_A", now.Add(-2*time.Minute), telemetry.WindSpeed, 10)))
	require.NoError(t, store.Save(ctx, record("PC_A", now.Add(-time.Minute), telemetry.WindSpeed, 20)))
	engine := newEngine(t, store, nil, nil)

	trend, err := engine.Trend(ctx, "PC_A", 1)
	require.NoError(t, err)
	require.Len(t, trend, len(telemetry.Channels))
	for ch, res := range trend {
		assert.Equal(t, telemetry.TrendInsufficientData, res.Direction, ch)
	}
	assert.Equal(t, 1, trend[telemetry.WindSpeed].Samples)

	_, err = engine.Trend(ctx, "PC_A", 0)
	assert.Error(t, err)
}

func TestTrendOfEdgeCases(t *testing.T) {
	one := []telemetry.Record{*record("a", now, telemetry.Flow, 5)}
	assert.Equal(t, telemetry.TrendInsufficientData, TrendOf(one, telemetry.Flow).Direction)

	zeroStart := []telemetry.Record{*record("a", now, telemetry.Flow, 0), *record("a", now, telemetry.Flow, 5)}
	res := TrendOf(zeroStart, telemetry.Flow)
	assert.Equal(t, telemetry.TrendIncreasing, res.Direction)
	assert.Nil(t, res.PercentChange)

	flat := []telemetry.Record{*record("a", now, telemetry.Flow, 3), *record("a", now, telemetry.Flow, 3)}
	assert.Equal(t, telemetry.TrendStable, TrendOf(flat, telemetry.Flow).Direction)

	down := []telemetry.Record{*record("a", now, telemetry.Flow, 8), *record("a", now, telemetry.Flow, 6)}
	res = TrendOf(down, telemetry.Flow)
	assert.Equal(t, telemetry.TrendDecreasing, res.Direction)
	assert.Equal(t, -25.0, *res.PercentChange)
}

func TestThresholdCheck(t *testing.T) {
	e := newEngine(t, nil, nil, nil)
	rec := record("PC_A", now, telemetry.Temperature, 120)
	out := e.ThresholdCheck(*rec, map[telemetry.Channel]float64{
		telemetry.Temperature: 100,
		telemetry.Pressure:    10,
	})
	require.Len(t, out, 1, "null channels are skipped")
	assert.True(t, out[telemetry.Temperature].Alert)
	assert.Contains(t, out[telemetry.Temperature].Message, "exceeds")
}

func TestQualityCheck(t *testing.T) {
	e := newEngine(t, nil, nil, nil)

	q := e.QualityCheck(*record("PC_A", now, telemetry.WindSpeed, 10))
	assert.True(t, q.OK())

	q = e.QualityCheck(*record("PC_A", now.Add(-25*time.Hour), telemetry.WindSpeed, 10))
	assert.False(t, q.Timeliness)

	q = e.QualityCheck(*record("PC_A", now.Add(2*time.Minute), telemetry.WindSpeed, 10))
	assert.False(t, q.Timeliness)

	q = e.QualityCheck(*record("", now, telemetry.WindSpeed, 500))
	assert.False(t, q.Completeness)
	assert.False(t, q.Accuracy)
	assert.True(t, q.Consistency)
}

func TestDetectComplexEvents(t *testing.T) {
	e := newEngine(t, nil, nil, nil)
	mk := func(temp float64, status telemetry.Status) telemetry.Record {
		r := record("PC_A", now, telemetry.Temperature, temp)
		r.Status = status
		return *r
	}
	events := e.DetectComplexEvents([]telemetry.Record{
		mk(160, telemetry.StatusAbnormal),
		mk(170, telemetry.StatusAbnormal),
		mk(165, telemetry.StatusAbnormal),
		mk(180, telemetry.StatusNormal),
	})
	require.Len(t, events, 1)
	assert.Equal(t, ComplexRisingTemperature, events[0].Kind)
	first, _ := events[0].First.Value(telemetry.Temperature)
	assert.Equal(t, 160.0, first)

	assert.Empty(t, e.DetectComplexEvents(nil))
}

func TestProcessRealtimeScreensPersistsPublishes(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recorder{}
	e := newEngine(t, store, pub, nil)

	rec := telemetry.Record{Source: "PC_A"}
	rec.Set(telemetry.WindSpeed, 200)
	rec.Set(telemetry.Temperature, 25)

	out, err := e.ProcessRealtime(context.Background(), rec)
	require.NoError(t, err)
	assert.NotZero(t, out.ID)
	assert.Equal(t, telemetry.StatusAbnormal, out.Status)
	assert.Equal(t, telemetry.RiskSevere, out.RiskLevel)
	assert.Contains(t, out.AnomalyDescription, "wind speed")
	assert.Equal(t, now, out.DataTime)

	stored, err := store.FindByID(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusAbnormal, stored.Status)

	require.Len(t, pub.events, 1)
	assert.Equal(t, eventbus.KindCreated, pub.events[0].Kind)
}

func TestProcessRealtimeThresholdRaisesRisk(t *testing.T) {
	e := newEngine(t, storage.NewMemoryStore(), nil, map[telemetry.Channel]float64{telemetry.Temperature: 80})
	rec := telemetry.Record{Source: "PC_A"}
	rec.Set(telemetry.Temperature, 90)

	out, err := e.ProcessRealtime(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusNormal, out.Status)
	assert.Equal(t, telemetry.RiskSerious, out.RiskLevel)
	assert.Contains(t, out.AnomalyDescription, "exceeds threshold")
}

type failingStore struct {
	storage.RecordStore
}

func (failingStore) Save(context.Context, *telemetry.Record) error { return errors.New("db down") }

func TestProcessRealtimePublishesWhenStoreFails(t *testing.T) {
	pub := &recorder{}
	e := newEngine(t, failingStore{}, pub, nil)
	rec := telemetry.Record{Source: "PC_A"}
	rec.Set(telemetry.Voltage, 900)

	_, err := e.ProcessRealtime(context.Background(), rec)
	require.Error(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, telemetry.StatusAbnormal, pub.events[0].Record.Status)
}

func TestProcessRealtimeIncompleteIsFault(t *testing.T) {
	e := newEngine(t, storage.NewMemoryStore(), nil, nil)
	out, err := e.ProcessRealtime(context.Background(), telemetry.Record{})
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusFault, out.Status)
	assert.Equal(t, telemetry.RiskSevere, out.RiskLevel)
}

func TestRescoreWritesChangedVerdicts(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	stale := record("PC_A", now.Add(-48*time.Hour), telemetry.Current, 150)
	stale.Status = telemetry.StatusNormal
	stale.RiskLevel = telemetry.RiskGeneral
	fine := record("PC_A", now.Add(-47*time.Hour), telemetry.Current, 10)
	fine.Status = telemetry.StatusNormal
	fine.RiskLevel = telemetry.RiskGeneral
	require.NoError(t, store.SaveAll(ctx, []*telemetry.Record{stale, fine}))

	pub := &recorder{}
	e := newEngine(t, store, pub, nil)

	report, err := e.Rescore(ctx, now.Add(-72*time.Hour), now, true)
	require.NoError(t, err)
	assert.Equal(t, RescoreReport{Scanned: 2, Changed: 1}, report)
	assert.Empty(t, pub.events, "dry run publishes nothing")

	report, err = e.Rescore(ctx, now.Add(-72*time.Hour), now, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Changed)

	got, err := store.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusAbnormal, got.Status)
	assert.Equal(t, telemetry.RiskSevere, got.RiskLevel)

	require.Len(t, pub.events, 1)
	assert.Equal(t, eventbus.KindUpdated, pub.events[0].Kind)
	assert.Equal(t, telemetry.StatusNormal, pub.events[0].Previous)
}
