package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtunnel-telemetry/internal/telemetry"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *MemoryStore) []*telemetry.Record {
	t.Helper()
	recs := []*telemetry.Record{
		{Source: "PC_A", EquipmentID: "fan-1", LaboratoryID: "lab-1", DataTime: base},
		{Source: "PC_A", EquipmentID: "fan-1", DataTime: base.Add(time.Minute)},
		{Source: "PC_B", EquipmentID: "fan-2", LaboratoryID: "lab-1", DataTime: base.Add(2 * time.Minute)},
		{Source: "PC_A", EquipmentID: "fan-2", DataTime: base.Add(3 * time.Minute)},
	}
	for _, r := range recs {
		r.Set(telemetry.WindSpeed, 10)
	}
	require.NoError(t, m.SaveAll(context.Background(), recs))
	return recs
}

func TestMemoryStoreAssignsIDsAndClones(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	rec := &telemetry.Record{Source: "PC_A", DataTime: base}
	rec.Set(telemetry.Temperature, 21)
	require.NoError(t, m.Save(ctx, rec))
	require.NotZero(t, rec.ID)

	rec.Set(telemetry.Temperature, 99)
	got, err := m.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	v, _ := got.Value(telemetry.Temperature)
	assert.Equal(t, 21.0, v)

	_, err = m.FindByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	recs := seed(t, m)

	bySource, err := m.FindBySource(ctx, "PC_A", 0)
	require.NoError(t, err)
	require.Len(t, bySource, 3)
	assert.True(t, bySource[0].DataTime.Before(bySource[2].DataTime))

	latest, err := m.FindLatestBySource(ctx, "PC_A", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, recs[3].ID, latest[0].ID)
	assert.Equal(t, recs[1].ID, latest[1].ID)

	window, err := m.FindBySourceAndTimeRange(ctx, "PC_A", base, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, window, 2, "range end is exclusive")

	byLab, err := m.FindByLaboratoryID(ctx, "lab-1", 0)
	require.NoError(t, err)
	assert.Len(t, byLab, 2)

	byEquip, err := m.FindLatestByEquipmentID(ctx, "fan-2", 1)
	require.NoError(t, err)
	require.Len(t, byEquip, 1)
	assert.Equal(t, recs[3].ID, byEquip[0].ID)

	byIDs, err := m.FindByIDs(ctx, []int64{recs[0].ID, recs[2].ID, 12345})
	require.NoError(t, err)
	assert.Len(t, byIDs, 2)

	recent, err := m.ListRecent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestMemoryStoreDeletes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	recs := seed(t, m)

	n, err := m.DeleteByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.DeleteByIDs(ctx, []int64{recs[0].ID, 4242})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = m.DeleteBySources(ctx, []string{"PC_B"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = m.DeleteByTimeRange(ctx, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = m.DeleteByEquipmentID(ctx, "fan-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := m.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestMemoryStoreUpdateAssessment(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	recs := seed(t, m)

	require.NoError(t, m.UpdateAssessment(ctx, recs[0].ID, telemetry.StatusAbnormal, telemetry.RiskSevere, "wind speed high"))
	got, err := m.FindByID(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusAbnormal, got.Status)
	assert.Equal(t, telemetry.RiskSevere, got.RiskLevel)
	assert.Equal(t, "wind speed high", got.AnomalyDescription)

	assert.ErrorIs(t, m.UpdateAssessment(ctx, 777, telemetry.StatusNormal, telemetry.RiskGeneral, ""), ErrNotFound)
}

func TestMemoryStoreNotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	note := telemetry.Notification{ID: "n-1", SendStatus: telemetry.SendPending, MaxRetryCount: 2, CreatedAt: base}
	require.NoError(t, m.InsertNotification(ctx, note))

	retryable, err := m.ListRetryableNotifications(ctx, 0, base)
	require.NoError(t, err)
	assert.Empty(t, retryable, "pending note still inside its grace window")

	retryable, err = m.ListRetryableNotifications(ctx, 0, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, retryable, 1)

	for i := 0; i < 2; i++ {
		updated, failErr := m.MarkNotificationFailed(ctx, "n-1", "boom")
		require.NoError(t, failErr)
		assert.Equal(t, i+1, updated.RetryCount)

		// failed notes do not wait for the pending grace
		retryable, err = m.ListRetryableNotifications(ctx, 0, time.Time{})
		require.NoError(t, err)
		if i == 0 {
			assert.Len(t, retryable, 1)
		}
	}
	retryable, err = m.ListRetryableNotifications(ctx, 0, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, retryable, "retries exhausted")

	require.NoError(t, m.MarkNotificationSent(ctx, "n-1", base.Add(time.Minute)))
	recent, err := m.ListRecentNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, telemetry.SendSent, recent[0].SendStatus)
	require.NotNil(t, recent[0].SentAt)

	assert.ErrorIs(t, m.MarkNotificationSent(ctx, "missing", base), ErrNotFound)
}

func TestMemoryStoreAdvisoryLock(t *testing.T) {
	m := NewMemoryStore()
	unlock, ok, err := m.TryAdvisoryLock(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAdvisoryLock(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	_, ok, _ = m.TryAdvisoryLock(context.Background(), 7)
	assert.True(t, ok)
}

func TestLimitArg(t *testing.T) {
	assert.Nil(t, limitArg(0))
	assert.Nil(t, limitArg(-3))
	assert.Equal(t, 5, limitArg(5))
}
