package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"windtunnel-telemetry/internal/alerting"
)

// Rescore re-screens stored records with the current rules and writes back
// verdicts that changed. Notifications raised along the way are flushed once
// at the end.
func (a *App) Rescore(ctx context.Context, out io.Writer, opts RescoreOptions) error {
	if !opts.From.Before(opts.To) {
		return fmt.Errorf("from must be before to")
	}

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if !rt.Persistent {
		return fmt.Errorf("database not configured; cannot rescore")
	}

	report, err := rt.Engine.Rescore(ctx, opts.From.UTC(), opts.To.UTC(), opts.DryRun)
	fmt.Fprintf(out, "scanned: %d\nchanged: %d\nfailed: %d\ndry_run: %t\n", report.Scanned, report.Changed, report.Failed, opts.DryRun)
	if err != nil {
		return err
	}

	if !opts.DryRun && report.Changed > 0 {
		a.flushNotifications(ctx, rt)
	}
	return nil
}

// pendingGrace is how long the service leaves a pending notification to its
// delivery queue before the resend sweep takes it over.
func (a *App) pendingGrace() time.Duration {
	timeout := a.Config.Alerting.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return 2 * timeout
}

// flushNotifications delivers what a one-shot command queued, then runs one
// resend sweep with no pending grace since no workers are running.
func (a *App) flushNotifications(ctx context.Context, rt *Runtime) {
	if !a.Config.Alerting.Enabled {
		return
	}
	rt.Center.Drain(ctx)
	resender := alerting.NewResender(rt.Store, rt.Center, alerting.ResenderOptions{
		LockKey: a.Config.Scheduler.AdvisoryLockKey,
		Batch:   a.Config.Alerting.ResendBatch,
	}, a.Logger)
	if err := resender.Sweep(ctx, time.Now().UTC()); err != nil {
		a.Logger.Warn().Err(err).Msg("notification flush failed; left pending")
	}
}
