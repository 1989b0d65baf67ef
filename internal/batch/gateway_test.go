package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtunnel-telemetry/internal/eventbus"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
)

func sample(source string, at time.Time, wind float64) telemetry.Record {
	rec := telemetry.Record{Source: source, DataTime: at}
	rec.Set(telemetry.WindSpeed, wind)
	return rec
}

func TestEmptyInputIsZeroNotError(t *testing.T) {
	g := New(storage.NewMemoryStore(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	res, err := g.Delete(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	res, _, err = g.Create(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Affected)

	res, err = g.Update(ctx, []telemetry.Record{})
	require.NoError(t, err)
	assert.Zero(t, res.Affected)

	res, err = g.DeleteBySources(ctx, []string{})
	require.NoError(t, err)
	assert.Zero(t, res.Affected)

	res, recs, err := g.Query(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Affected)
	assert.Empty(t, recs)

	res, recs, err = g.Process(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Affected)
	assert.Empty(t, recs)
}

func TestCreateQueryDelete(t *testing.T) {
	store := storage.NewMemoryStore()
	g := New(store, nil, nil, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	res, created, err := g.Create(ctx, []telemetry.Record{sample("PC_A", now, 10), sample("PC_B", now, 20)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
	require.Len(t, created, 2)
	assert.Equal(t, telemetry.StatusNormal, created[0].Status)

	ids := []string{"1", "abc", "2", "-3", "2"}
	res, recs, err := g.Query(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
	assert.Len(t, recs, 2)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, "abc", res.Errors[0].Item)
	assert.Equal(t, 1, res.Errors[0].Index)

	res, err = g.Delete(ctx, []string{"1", "bogus", "99"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, 1, res.Failed)

	_, err = store.FindByID(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type flakyStore struct {
	*storage.MemoryStore
}

func (f flakyStore) SaveAll(context.Context, []*telemetry.Record) error {
	return errors.New("tx aborted")
}

func (f flakyStore) Save(ctx context.Context, rec *telemetry.Record) error {
	if rec.Source == "bad" {
		return errors.New("constraint violation")
	}
	return f.MemoryStore.Save(ctx, rec)
}

func TestCreateFallsBackPerItem(t *testing.T) {
	g := New(flakyStore{storage.NewMemoryStore()}, nil, nil, zerolog.Nop())
	now := time.Now().UTC()

	res, created, err := g.Create(context.Background(), []telemetry.Record{
		sample("PC_A", now, 1), sample("bad", now, 2), sample("PC_C", now, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Len(t, created, 2)
}

func TestUpdateUpserts(t *testing.T) {
	store := storage.NewMemoryStore()
	g := New(store, nil, nil, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	rec := sample("PC_A", now, 10)
	require.NoError(t, store.Save(ctx, &rec))

	rec.Set(telemetry.WindSpeed, 11)
	fresh := sample("PC_B", now, 5)
	res, err := g.Update(ctx, []telemetry.Record{rec, fresh})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)

	got, err := store.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	v, _ := got.Value(telemetry.WindSpeed)
	assert.Equal(t, 11.0, v)

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteByTimeRangeAndSources(t *testing.T) {
	store := storage.NewMemoryStore()
	g := New(store, nil, nil, zerolog.Nop())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := g.Create(ctx, []telemetry.Record{
		sample("PC_A", base, 1),
		sample("PC_A", base.Add(time.Hour), 2),
		sample("PC_B", base.Add(2*time.Hour), 3),
		sample("PC_C", base.Add(3*time.Hour), 4),
	})
	require.NoError(t, err)

	res, err := g.DeleteByTimeRange(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	_, err = g.DeleteByTimeRange(ctx, base.Add(time.Hour), base)
	assert.Error(t, err)

	res, err = g.DeleteBySources(ctx, []string{"PC_A", " ", "PC_B"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
	assert.Equal(t, 1, res.Failed)

	left, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "PC_C", left[0].Source)
}

type countingPublisher struct {
	events []eventbus.Event
}

func (c *countingPublisher) Publish(_ context.Context, ev eventbus.Event) int {
	c.events = append(c.events, ev)
	return 0
}

func TestProcessScreensPersistsPublishes(t *testing.T) {
	pub := &countingPublisher{}
	screen := func(rec *telemetry.Record) {
		if v, ok := rec.Value(telemetry.WindSpeed); ok && v > 150 {
			rec.Status = telemetry.StatusAbnormal
			rec.RiskLevel = telemetry.RiskSevere
		}
	}
	g := New(flakyStore{storage.NewMemoryStore()}, screen, pub, zerolog.Nop())

	in := []telemetry.Record{
		sample("PC_A", time.Time{}, 200),
		sample("bad", time.Time{}, 10),
		sample("PC_B", time.Time{}, 10),
	}
	res, out, err := g.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, out, 2)
	assert.Equal(t, telemetry.StatusAbnormal, out[0].Status)
	assert.False(t, out[0].DataTime.IsZero())
	assert.Equal(t, telemetry.StatusNormal, out[1].Status)
	assert.Len(t, pub.events, 2)
	assert.Zero(t, in[0].ID, "inputs are not mutated")
}
