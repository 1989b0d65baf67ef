package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/metrics"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
)

// ErrQueueFull is returned when the delivery queue has no room. The
// notification is already persisted as pending, so a resend sweep picks it up.
var ErrQueueFull = errors.New("alerting: delivery queue full")

// Dispatcher accepts notifications for delivery and returns their id.
type Dispatcher interface {
	Dispatch(ctx context.Context, note telemetry.Notification) (string, error)
}

// CenterOptions tune the delivery worker pool.
type CenterOptions struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

// Center persists notifications and delivers them asynchronously through a
// bounded pool of workers.
type Center struct {
	store    storage.NotificationStore
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     CenterOptions
	queue    chan telemetry.Notification

	// ids queued or being delivered by this process
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewCenter wires a notification center. A nil notifier delivers to the log.
func NewCenter(store storage.NotificationStore, notifier Notifier, opts CenterOptions, m *metrics.Metrics, logger zerolog.Logger) *Center {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Center{
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "alert_center").Logger(),
		opts:     opts,
		queue:    make(chan telemetry.Notification, opts.QueueSize),
		inflight: make(map[string]struct{}),
	}
}

// Dispatch stores the notification as pending and queues it for delivery.
func (c *Center) Dispatch(ctx context.Context, note telemetry.Notification) (string, error) {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.Sender == "" {
		note.Sender = telemetry.SystemSender
	}
	if note.Type == "" {
		note.Type = telemetry.NotificationSystem
	}
	if note.MaxRetryCount == 0 {
		note.MaxRetryCount = c.opts.MaxRetries
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = c.opts.Now()
	}
	note.SendStatus = telemetry.SendPending

	if c.store != nil {
		if err := c.store.InsertNotification(ctx, note); err != nil {
			return "", fmt.Errorf("persist notification: %w", err)
		}
	}

	c.claim(note.ID)
	select {
	case c.queue <- note:
		c.metrics.Notification("queued")
		return note.ID, nil
	default:
		c.release(note.ID)
		c.metrics.Notification("queue_full")
		c.logger.Warn().Str("notification_id", note.ID).Msg("delivery queue full; left pending for resend")
		return note.ID, ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Queued
// notifications that were not delivered stay pending in the store.
func (c *Center) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker)
		}(i)
	}
	c.logger.Info().Int("workers", c.opts.Workers).Int("queue", c.opts.QueueSize).Msg("notification center started")
	wg.Wait()
	c.logger.Info().Int("pending", len(c.queue)).Msg("notification center stopped")
	return nil
}

func (c *Center) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-c.queue:
			if err := c.Deliver(ctx, note); err != nil {
				c.logger.Debug().Err(err).Int("worker", worker).Str("notification_id", note.ID).Msg("delivery failed")
			}
			c.release(note.ID)
		}
	}
}

// Drain delivers whatever is queued on the caller's goroutine and returns
// once the queue is empty. One-shot commands use it in place of Run.
func (c *Center) Drain(ctx context.Context) (delivered int) {
	for {
		if ctx.Err() != nil {
			return delivered
		}
		select {
		case note := <-c.queue:
			if err := c.Deliver(ctx, note); err == nil {
				delivered++
			}
			c.release(note.ID)
		default:
			return delivered
		}
	}
}

// Redeliver is Deliver for notifications read back from the store. It skips
// ids this center already holds in its queue or is delivering, and reports
// whether an attempt was made.
func (c *Center) Redeliver(ctx context.Context, note telemetry.Notification) (bool, error) {
	if !c.claim(note.ID) {
		return false, nil
	}
	defer c.release(note.ID)
	return true, c.Deliver(ctx, note)
}

func (c *Center) claim(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Center) release(id string) {
	c.inflightMu.Lock()
	delete(c.inflight, id)
	c.inflightMu.Unlock()
}

// Deliver sends one notification synchronously and records the outcome.
func (c *Center) Deliver(ctx context.Context, note telemetry.Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.DeliveryTimeout)
	defer cancel()

	sendErr := c.notifier.Notify(sendCtx, note)
	if sendErr == nil {
		c.metrics.Notification(string(telemetry.SendSent))
		if c.store != nil {
			if err := c.store.MarkNotificationSent(ctx, note.ID, c.opts.Now()); err != nil {
				c.logger.Error().Err(err).Str("notification_id", note.ID).Msg("failed to mark notification sent")
			}
		}
		return nil
	}

	c.metrics.Notification(string(telemetry.SendFailed))
	event := c.logger.Warn().Err(sendErr).Str("notification_id", note.ID)
	if c.store != nil {
		updated, err := c.store.MarkNotificationFailed(ctx, note.ID, sendErr.Error())
		if err != nil {
			c.logger.Error().Err(err).Str("notification_id", note.ID).Msg("failed to mark notification failed")
		} else {
			event = event.Int("retry_count", updated.RetryCount).Int("max_retry_count", updated.MaxRetryCount)
		}
	}
	event.Msg("告警发送失败")
	return fmt.Errorf("deliver notification %s: %w", note.ID, sendErr)
}

var _ Dispatcher = (*Center)(nil)
