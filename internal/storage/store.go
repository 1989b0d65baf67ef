package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"windtunnel-telemetry/internal/telemetry"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates no row matched the requested id.
	ErrNotFound = errors.New("storage: not found")
)

// RecordStore is the narrow persistence interface for telemetry records.
// Query methods order by data timestamp ascending unless named Latest, which
// orders descending. A limit <= 0 means no limit.
type RecordStore interface {
	Save(ctx context.Context, rec *telemetry.Record) error
	SaveAll(ctx context.Context, recs []*telemetry.Record) error
	Update(ctx context.Context, rec *telemetry.Record) error
	UpdateAssessment(ctx context.Context, id int64, status telemetry.Status, risk telemetry.RiskLevel, description string) error

	FindByID(ctx context.Context, id int64) (telemetry.Record, error)
	FindByIDs(ctx context.Context, ids []int64) ([]telemetry.Record, error)
	FindBySource(ctx context.Context, source string, limit int) ([]telemetry.Record, error)
	FindByEquipmentID(ctx context.Context, equipmentID string, limit int) ([]telemetry.Record, error)
	FindByLaboratoryID(ctx context.Context, laboratoryID string, limit int) ([]telemetry.Record, error)
	FindByTimeRange(ctx context.Context, from, to time.Time) ([]telemetry.Record, error)
	FindBySourceAndTimeRange(ctx context.Context, source string, from, to time.Time) ([]telemetry.Record, error)
	FindLatestBySource(ctx context.Context, source string, limit int) ([]telemetry.Record, error)
	FindLatestByEquipmentID(ctx context.Context, equipmentID string, limit int) ([]telemetry.Record, error)
	ListRecent(ctx context.Context, limit int) ([]telemetry.Record, error)

	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	DeleteByTimeRange(ctx context.Context, from, to time.Time) (int64, error)
	DeleteBySources(ctx context.Context, sources []string) (int64, error)
	DeleteByEquipmentID(ctx context.Context, equipmentID string) (int64, error)
}

// NotificationStore persists notifications and their delivery state.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n telemetry.Notification) error
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, errMsg string) (telemetry.Notification, error)
	// ListRetryableNotifications returns failed notifications with retries
	// left plus pending ones created before pendingBefore, oldest first.
	ListRetryableNotifications(ctx context.Context, limit int, pendingBefore time.Time) ([]telemetry.Notification, error)
	ListRecentNotifications(ctx context.Context, limit int) ([]telemetry.Notification, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Pool is the part of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

// Store is the PostgreSQL implementation of RecordStore and NotificationStore.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

var (
	_ Pool              = (*pgxpool.Pool)(nil)
	_ RecordStore       = (*Store)(nil)
	_ NotificationStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
