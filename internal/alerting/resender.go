package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/storage"
)

// ResenderOptions tune a resend sweep.
type ResenderOptions struct {
	// LockKey selects the advisory lock; zero sweeps without one.
	LockKey int64
	Batch   int
	// PendingGrace is how old a pending notification must be before the
	// sweep takes it over from the delivery queue.
	PendingGrace time.Duration
	Now          func() time.Time
}

// Resender re-attempts undelivered notifications whose retry budget is not
// exhausted. Sweep matches scheduler.TickFunc.
type Resender struct {
	store  storage.NotificationStore
	center *Center
	locker storage.AdvisoryLocker
	opts   ResenderOptions
	logger zerolog.Logger
}

// NewResender builds a resender. When the store also implements
// storage.AdvisoryLocker and LockKey is non-zero, only one instance sweeps at a time.
func NewResender(store storage.NotificationStore, center *Center, opts ResenderOptions, logger zerolog.Logger) *Resender {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.PendingGrace < 0 {
		opts.PendingGrace = 0
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Resender{
		store:  store,
		center: center,
		locker: locker,
		opts:   opts,
		logger: logger.With().Str("component", "alert_resender").Logger(),
	}
}

// Sweep delivers one batch of retryable notifications.
func (r *Resender) Sweep(ctx context.Context, slot time.Time) error {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		r.logger.Debug().Time("slot", slot).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	pendingBefore := r.opts.Now().Add(-r.opts.PendingGrace)
	notes, err := r.store.ListRetryableNotifications(ctx, r.opts.Batch, pendingBefore)
	if err != nil {
		return fmt.Errorf("list retryable notifications: %w", err)
	}
	if len(notes) == 0 {
		return nil
	}

	sent, failed, skipped := 0, 0, 0
	for _, note := range notes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempted, err := r.center.Redeliver(ctx, note)
		switch {
		case !attempted:
			skipped++
		case err != nil:
			failed++
		default:
			sent++
		}
	}
	r.logger.Info().Time("slot", slot).Int("sent", sent).Int("failed", failed).Int("skipped", skipped).Msg("resend sweep done")
	return nil
}

func (r *Resender) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
