package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
)

type recordingNotifier struct {
	mu    sync.Mutex
	fail  bool
	notes []telemetry.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note telemetry.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	if r.fail {
		return errors.New("channel down")
	}
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func (r *recordingNotifier) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func TestCenterDispatchDelivers(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	center := NewCenter(store, notifier, CenterOptions{Workers: 2, QueueSize: 4, MaxRetries: 3}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = center.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	id, err := center.Dispatch(ctx, telemetry.Notification{Title: "t", Body: "b"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		recent, _ := store.ListRecentNotifications(ctx, 1)
		return len(recent) == 1 && recent[0].SendStatus == telemetry.SendSent
	}, time.Second, 5*time.Millisecond)

	recent, _ := store.ListRecentNotifications(ctx, 1)
	assert.Equal(t, telemetry.SystemSender, recent[0].Sender)
	assert.Equal(t, 3, recent[0].MaxRetryCount)
	assert.Equal(t, 1, notifier.count())
}

func TestCenterQueueFullLeavesPending(t *testing.T) {
	store := storage.NewMemoryStore()
	center := NewCenter(store, &recordingNotifier{}, CenterOptions{Workers: 1, QueueSize: 1}, nil, testLogger())

	ctx := context.Background()
	_, err := center.Dispatch(ctx, telemetry.Notification{Title: "first"})
	require.NoError(t, err)

	id, err := center.Dispatch(ctx, telemetry.Notification{Title: "second"})
	require.ErrorIs(t, err, ErrQueueFull)
	require.NotEmpty(t, id)

	recent, err := store.ListRecentNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	for _, n := range recent {
		assert.Equal(t, telemetry.SendPending, n.SendStatus)
	}
}

func TestResenderRetriesUntilBudgetExhausted(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{fail: true}
	center := NewCenter(store, notifier, CenterOptions{Workers: 1, QueueSize: 1, MaxRetries: 2}, nil, testLogger())
	resender := NewResender(store, center, ResenderOptions{LockKey: 99, Batch: 10}, testLogger())

	ctx := context.Background()
	note := telemetry.Notification{ID: "n-9", Title: "x", MaxRetryCount: 2, CreatedAt: time.Now()}
	require.NoError(t, store.InsertNotification(ctx, note))

	for i := 0; i < 4; i++ {
		require.NoError(t, resender.Sweep(ctx, time.Now()))
	}
	assert.Equal(t, 2, notifier.count(), "two attempts allowed")

	notifier.setFail(false)
	require.NoError(t, resender.Sweep(ctx, time.Now()))
	assert.Equal(t, 2, notifier.count(), "exhausted notification is not retried")
}

func TestResenderDeliversPending(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	center := NewCenter(store, notifier, CenterOptions{MaxRetries: 3}, nil, testLogger())
	resender := NewResender(store, center, ResenderOptions{}, testLogger())

	ctx := context.Background()
	require.NoError(t, store.InsertNotification(ctx, telemetry.Notification{ID: "p-1", MaxRetryCount: 3, SendStatus: telemetry.SendPending}))

	require.NoError(t, resender.Sweep(ctx, time.Now()))
	assert.Equal(t, 1, notifier.count())

	retryable, err := store.ListRetryableNotifications(ctx, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestResenderSkipsWhenLockHeld(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	center := NewCenter(store, notifier, CenterOptions{MaxRetries: 3}, nil, testLogger())
	resender := NewResender(store, center, ResenderOptions{LockKey: 5}, testLogger())

	ctx := context.Background()
	require.NoError(t, store.InsertNotification(ctx, telemetry.Notification{ID: "p-2", MaxRetryCount: 3}))

	unlock, ok, err := store.TryAdvisoryLock(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	require.NoError(t, resender.Sweep(ctx, time.Now()))
	assert.Zero(t, notifier.count())
}

func TestSweepLeavesQueuedNotificationToWorkers(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	center := NewCenter(store, notifier, CenterOptions{Workers: 2, QueueSize: 4, MaxRetries: 3}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := center.Dispatch(ctx, telemetry.Notification{Title: "wind speed high"})
	require.NoError(t, err)

	// inside the grace window the row is not listed at all
	graced := NewResender(store, center, ResenderOptions{PendingGrace: time.Minute}, testLogger())
	require.NoError(t, graced.Sweep(ctx, time.Now()))
	assert.Zero(t, notifier.count())

	// past the window the row is listed, but the queued copy wins
	late := NewResender(store, center, ResenderOptions{
		Now: func() time.Time { return time.Now().Add(time.Hour) },
	}, testLogger())
	require.NoError(t, late.Sweep(ctx, time.Now()))
	assert.Zero(t, notifier.count())

	done := make(chan struct{})
	go func() {
		_ = center.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		recent, _ := store.ListRecentNotifications(ctx, 1)
		return len(recent) == 1 && recent[0].SendStatus == telemetry.SendSent
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, late.Sweep(ctx, time.Now()))
	assert.Equal(t, 1, notifier.count(), "delivered exactly once")
	assert.Equal(t, id, notifier.notes[0].ID)
}

func TestResenderTakesOverStalePending(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	center := NewCenter(store, notifier, CenterOptions{MaxRetries: 3}, nil, testLogger())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	resender := NewResender(store, center, ResenderOptions{
		PendingGrace: 20 * time.Second,
		Now:          func() time.Time { return now },
	}, testLogger())

	ctx := context.Background()
	require.NoError(t, store.InsertNotification(ctx, telemetry.Notification{ID: "stale", MaxRetryCount: 3, CreatedAt: now.Add(-10 * time.Minute)}))
	require.NoError(t, store.InsertNotification(ctx, telemetry.Notification{ID: "fresh", MaxRetryCount: 3, CreatedAt: now.Add(-time.Second)}))

	require.NoError(t, resender.Sweep(ctx, now))
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, "stale", notifier.notes[0].ID)

	recent, err := store.ListRecentNotifications(ctx, 0)
	require.NoError(t, err)
	status := map[string]telemetry.SendStatus{}
	for _, n := range recent {
		status[n.ID] = n.SendStatus
	}
	assert.Equal(t, telemetry.SendSent, status["stale"])
	assert.Equal(t, telemetry.SendPending, status["fresh"])
}

func TestCenterDrainDeliversQueued(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	center := NewCenter(store, notifier, CenterOptions{QueueSize: 4, MaxRetries: 3}, nil, testLogger())

	ctx := context.Background()
	for _, title := range []string{"a", "b"} {
		_, err := center.Dispatch(ctx, telemetry.Notification{Title: title})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, center.Drain(ctx))
	assert.Zero(t, center.Drain(ctx))

	resender := NewResender(store, center, ResenderOptions{}, testLogger())
	require.NoError(t, resender.Sweep(ctx, time.Now()))
	assert.Equal(t, 2, notifier.count())
}
