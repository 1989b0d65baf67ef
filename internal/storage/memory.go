package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"windtunnel-telemetry/internal/telemetry"
)

// MemoryStore keeps records and notifications in process memory.
// It is used when no database DSN is configured and in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	records       map[int64]telemetry.Record
	notifications map[string]telemetry.Notification
	locks         map[int64]bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:       make(map[int64]telemetry.Record),
		notifications: make(map[string]telemetry.Notification),
		locks:         make(map[int64]bool),
	}
}

func (m *MemoryStore) Save(_ context.Context, rec *telemetry.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(rec)
	return nil
}

func (m *MemoryStore) SaveAll(_ context.Context, recs []*telemetry.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.insertLocked(rec)
	}
	return nil
}

func (m *MemoryStore) insertLocked(rec *telemetry.Record) {
	m.nextID++
	rec.ID = m.nextID
	m.records[rec.ID] = rec.Clone()
}

func (m *MemoryStore) Update(ctx context.Context, rec *telemetry.Record) error {
	if rec.ID == 0 {
		return m.Save(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[rec.ID]; ok && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	if rec.ID > m.nextID {
		m.nextID = rec.ID
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) UpdateAssessment(_ context.Context, id int64, status telemetry.Status, risk telemetry.RiskLevel, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.RiskLevel = risk
	rec.AnomalyDescription = description
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id int64) (telemetry.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return telemetry.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) FindByIDs(_ context.Context, ids []int64) ([]telemetry.Record, error) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return m.filter(func(r *telemetry.Record) bool {
		_, ok := want[r.ID]
		return ok
	}, false, 0), nil
}

func (m *MemoryStore) FindBySource(_ context.Context, source string, limit int) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool { return r.Source == source }, false, limit), nil
}

func (m *MemoryStore) FindByEquipmentID(_ context.Context, equipmentID string, limit int) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool { return r.EquipmentID == equipmentID }, false, limit), nil
}

func (m *MemoryStore) FindByLaboratoryID(_ context.Context, laboratoryID string, limit int) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool { return r.LaboratoryID == laboratoryID }, false, limit), nil
}

func (m *MemoryStore) FindByTimeRange(_ context.Context, from, to time.Time) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool { return inRange(r.DataTime, from, to) }, false, 0), nil
}

func (m *MemoryStore) FindBySourceAndTimeRange(_ context.Context, source string, from, to time.Time) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool {
		return r.Source == source && inRange(r.DataTime, from, to)
	}, false, 0), nil
}

func (m *MemoryStore) FindLatestBySource(_ context.Context, source string, limit int) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool { return r.Source == source }, true, limit), nil
}

func (m *MemoryStore) FindLatestByEquipmentID(_ context.Context, equipmentID string, limit int) ([]telemetry.Record, error) {
	return m.filter(func(r *telemetry.Record) bool { return r.EquipmentID == equipmentID }, true, limit), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]telemetry.Record, error) {
	return m.filter(func(*telemetry.Record) bool { return true }, true, limit), nil
}

func (m *MemoryStore) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteByTimeRange(_ context.Context, from, to time.Time) (int64, error) {
	return m.deleteWhere(func(r *telemetry.Record) bool { return inRange(r.DataTime, from, to) }), nil
}

func (m *MemoryStore) DeleteBySources(_ context.Context, sources []string) (int64, error) {
	want := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		want[s] = struct{}{}
	}
	return m.deleteWhere(func(r *telemetry.Record) bool {
		_, ok := want[r.Source]
		return ok
	}), nil
}

func (m *MemoryStore) DeleteByEquipmentID(_ context.Context, equipmentID string) (int64, error) {
	return m.deleteWhere(func(r *telemetry.Record) bool { return r.EquipmentID == equipmentID }), nil
}

// filter returns clones ordered by data time (then id), descending when latest is set.
func (m *MemoryStore) filter(keep func(*telemetry.Record) bool, latest bool, limit int) []telemetry.Record {
	m.mu.RLock()
	out := make([]telemetry.Record, 0)
	for _, rec := range m.records {
		if keep(&rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DataTime.Equal(b.DataTime) {
			if latest {
				return a.DataTime.After(b.DataTime)
			}
			return a.DataTime.Before(b.DataTime)
		}
		if latest {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) deleteWhere(match func(*telemetry.Record) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if match(&rec) {
			delete(m.records, id)
			n++
		}
	}
	return n
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

func (m *MemoryStore) InsertNotification(_ context.Context, n telemetry.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.SendStatus == "" {
		n.SendStatus = telemetry.SendPending
	}
	m.notifications[n.ID] = n
	return nil
}

func (m *MemoryStore) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	sent := at
	n.SendStatus = telemetry.SendSent
	n.SentAt = &sent
	n.LastError = ""
	m.notifications[id] = n
	return nil
}

func (m *MemoryStore) MarkNotificationFailed(_ context.Context, id string, errMsg string) (telemetry.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return telemetry.Notification{}, ErrNotFound
	}
	n.SendStatus = telemetry.SendFailed
	n.RetryCount++
	n.LastError = errMsg
	m.notifications[id] = n
	return n, nil
}

func (m *MemoryStore) ListRetryableNotifications(_ context.Context, limit int, pendingBefore time.Time) ([]telemetry.Notification, error) {
	keep := func(n telemetry.Notification) bool { return n.Resendable(pendingBefore) }
	return m.notificationsWhere(keep, false, limit), nil
}

func (m *MemoryStore) ListRecentNotifications(_ context.Context, limit int) ([]telemetry.Notification, error) {
	return m.notificationsWhere(func(telemetry.Notification) bool { return true }, true, limit), nil
}

func (m *MemoryStore) notificationsWhere(keep func(telemetry.Notification) bool, newestFirst bool, limit int) []telemetry.Notification {
	m.mu.RLock()
	out := make([]telemetry.Notification, 0)
	for _, n := range m.notifications {
		if keep(n) {
			out = append(out, n)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TryAdvisoryLock emulates a process-local advisory lock.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

// Close is a no-op kept for parity with Store.
func (m *MemoryStore) Close() {}

var (
	_ RecordStore       = (*MemoryStore)(nil)
	_ NotificationStore = (*MemoryStore)(nil)
	_ AdvisoryLocker    = (*MemoryStore)(nil)
)
