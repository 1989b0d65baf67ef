package telemetry

import "time"

// SystemSender is the sender recorded on machine-originated notifications.
const SystemSender = "SYSTEM"

// NotificationType categorises notifications.
type NotificationType string

const (
	NotificationAnomaly NotificationType = "anomaly"
	NotificationSystem  NotificationType = "system"
)

// SendStatus tracks delivery progress of a notification.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// Notification is a message handed to the notification collaborator.
type Notification struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	Sender        string           `json:"sender"`
	Type          NotificationType `json:"type"`
	SendStatus    SendStatus       `json:"send_status"`
	RetryCount    int              `json:"retry_count"`
	MaxRetryCount int              `json:"max_retry_count"`
	RecordID      int64            `json:"record_id,omitempty"`
	Source        string           `json:"source,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
}

// Resendable reports whether a resend sweep may pick the notification up.
// Failed notifications qualify while retries remain. Pending ones qualify only
// when created before pendingBefore; younger ones may still sit in a delivery
// queue.
func (n Notification) Resendable(pendingBefore time.Time) bool {
	if n.RetryCount >= n.MaxRetryCount {
		return false
	}
	switch n.SendStatus {
	case SendFailed:
		return true
	case SendPending:
		return n.CreatedAt.Before(pendingBefore)
	default:
		return false
	}
}
