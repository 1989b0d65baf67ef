package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"windtunnel-telemetry/internal/telemetry"
)

const notificationColumns = `
        id,
        title,
        body,
        sender,
        type,
        send_status,
        retry_count,
        max_retry_count,
        record_id,
        source,
        last_error,
        created_at,
        sent_at`

const (
	insertNotificationSQL = `INSERT INTO notifications (
        id,
        title,
        body,
        sender,
        type,
        send_status,
        retry_count,
        max_retry_count,
        record_id,
        source,
        last_error,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	markNotificationSentSQL = `UPDATE notifications
    SET send_status = 'sent', sent_at = $2, last_error = NULL
    WHERE id = $1;`

	markNotificationFailedSQL = `UPDATE notifications
    SET send_status = 'failed',
        retry_count = retry_count + 1,
        last_error  = $2
    WHERE id = $1
    RETURNING` + notificationColumns + `;`

	listRetryableNotificationsSQL = `SELECT` + notificationColumns + `
    FROM notifications
    WHERE retry_count < max_retry_count
      AND (send_status = 'failed'
           OR (send_status = 'pending' AND created_at < $2))
    ORDER BY created_at
    LIMIT $1;`

	listRecentNotificationsSQL = `SELECT` + notificationColumns + `
    FROM notifications
    ORDER BY created_at DESC
    LIMIT $1;`
)

// InsertNotification persists a freshly built notification.
func (s *Store) InsertNotification(ctx context.Context, n telemetry.Notification) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var recordID any
	if n.RecordID != 0 {
		recordID = n.RecordID
	}
	status := n.SendStatus
	if status == "" {
		status = telemetry.SendPending
	}

	_, execErr := pool.Exec(ctx, insertNotificationSQL,
		n.ID,
		n.Title,
		n.Body,
		n.Sender,
		string(n.Type),
		string(status),
		n.RetryCount,
		n.MaxRetryCount,
		recordID,
		nullableText(n.Source),
		nullableText(n.LastError),
		n.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markNotificationSentSQL, id, at)
	if execErr != nil {
		return fmt.Errorf("mark notification sent: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotificationFailed bumps the retry count and returns the updated row.
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, errMsg string) (telemetry.Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return telemetry.Notification{}, err
	}
	rows, queryErr := pool.Query(ctx, markNotificationFailedSQL, id, errMsg)
	if queryErr != nil {
		return telemetry.Notification{}, fmt.Errorf("mark notification failed: %w", queryErr)
	}
	notes, err := collectNotifications(rows)
	if err != nil {
		return telemetry.Notification{}, fmt.Errorf("mark notification failed: %w", err)
	}
	if len(notes) == 0 {
		return telemetry.Notification{}, ErrNotFound
	}
	return notes[0], nil
}

// ListRetryableNotifications lists failed notifications with retries left and
// pending ones older than pendingBefore, oldest first.
func (s *Store) ListRetryableNotifications(ctx context.Context, limit int, pendingBefore time.Time) ([]telemetry.Notification, error) {
	return s.queryNotifications(ctx, "list retryable notifications", listRetryableNotificationsSQL, limitArg(limit), pendingBefore)
}

// ListRecentNotifications lists notifications newest first.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]telemetry.Notification, error) {
	return s.queryNotifications(ctx, "list recent notifications", listRecentNotificationsSQL, limitArg(limit))
}

func (s *Store) queryNotifications(ctx context.Context, op, query string, args ...any) ([]telemetry.Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	notes, err := collectNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return notes, nil
}

func collectNotifications(rows pgx.Rows) ([]telemetry.Notification, error) {
	defer rows.Close()

	notes := make([]telemetry.Notification, 0)
	for rows.Next() {
		var (
			n         telemetry.Notification
			kind      string
			status    string
			recordID  *int64
			source    *string
			lastError *string
			sentAt    *time.Time
		)
		if err := rows.Scan(
			&n.ID,
			&n.Title,
			&n.Body,
			&n.Sender,
			&kind,
			&status,
			&n.RetryCount,
			&n.MaxRetryCount,
			&recordID,
			&source,
			&lastError,
			&n.CreatedAt,
			&sentAt,
		); err != nil {
			return nil, err
		}
		n.Type = telemetry.NotificationType(kind)
		n.SendStatus = telemetry.SendStatus(status)
		if recordID != nil {
			n.RecordID = *recordID
		}
		if source != nil {
			n.Source = *source
		}
		if lastError != nil {
			n.LastError = *lastError
		}
		n.SentAt = sentAt
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notes, nil
}
