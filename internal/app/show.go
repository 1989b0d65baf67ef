package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"windtunnel-telemetry/internal/telemetry"
)

// Show prints recent records, or recent notifications when opts.Notifications is set.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, err := a.openPersistentStore(ctx, "show records")
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.Notifications {
		notes, err := store.ListRecentNotifications(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeNotificationTable(out, notes)
	}

	var recs []telemetry.Record
	if opts.Source != "" {
		recs, err = store.FindLatestBySource(ctx, opts.Source, opts.Limit)
	} else {
		recs, err = store.ListRecent(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	return writeRecordTable(out, recs)
}

func writeRecordTable(out io.Writer, recs []telemetry.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(out, "no records found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := []string{"ID", "Time (UTC)", "Source", "Equipment"}
	for _, ch := range telemetry.Channels {
		header = append(header, ch.Label())
	}
	header = append(header, "Status", "Risk", "Anomaly")
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, rec := range recs {
		row := []string{
			fmt.Sprint(rec.ID),
			rec.DataTime.UTC().Format(time.RFC3339),
			rec.Source,
			dash(rec.EquipmentID),
		}
		for _, ch := range telemetry.Channels {
			row = append(row, formatValue(&rec, ch, 2))
		}
		row = append(row, string(rec.Status), string(rec.RiskLevel), sanitizeInline(rec.AnomalyDescription))
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}
	return writer.Flush()
}

func writeNotificationTable(out io.Writer, notes []telemetry.Notification) error {
	if len(notes) == 0 {
		_, err := fmt.Fprintln(out, "no notifications found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tRecord\tSource\tStatus\tRetries\tTitle\tError")
	for _, n := range notes {
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%d/%d\t%s\t%s\n",
			n.CreatedAt.UTC().Format(time.RFC3339),
			n.RecordID,
			dash(n.Source),
			n.SendStatus,
			n.RetryCount, n.MaxRetryCount,
			sanitizeInline(n.Title),
			sanitizeInline(n.LastError),
		)
	}
	return writer.Flush()
}

// formatValue renders a channel with fixed decimals, or "-" when null.
func formatValue(rec *telemetry.Record, ch telemetry.Channel, places int32) string {
	v, ok := rec.Value(ch)
	if !ok {
		return "-"
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

func dash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
