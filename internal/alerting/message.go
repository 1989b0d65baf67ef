package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"windtunnel-telemetry/internal/telemetry"
)

// NewAnomalyNotification builds the SYSTEM notification for a screened record.
// The body names the source and carries the anomaly description.
func NewAnomalyNotification(rec telemetry.Record, maxRetries int, now time.Time) telemetry.Notification {
	subject := rec.Source
	if rec.EquipmentID != "" {
		subject = fmt.Sprintf("%s/%s", rec.Source, rec.EquipmentID)
	}

	body := strings.Builder{}
	body.WriteString(fmt.Sprintf("Source %s reported %s telemetry at %s",
		subject, rec.Status, rec.DataTime.UTC().Format(time.RFC3339)))
	if rec.AnomalyDescription != "" {
		body.WriteString(": ")
		body.WriteString(rec.AnomalyDescription)
	}
	body.WriteString(".")
	if values := renderValues(rec); values != "" {
		body.WriteString(" Values: ")
		body.WriteString(values)
	}

	return telemetry.Notification{
		Title:         fmt.Sprintf("%s risk anomaly on %s", rec.RiskLevel, subject),
		Body:          body.String(),
		Sender:        telemetry.SystemSender,
		Type:          telemetry.NotificationAnomaly,
		SendStatus:    telemetry.SendPending,
		MaxRetryCount: maxRetries,
		RecordID:      rec.ID,
		Source:        rec.Source,
		CreatedAt:     now,
	}
}

func renderValues(rec telemetry.Record) string {
	parts := make([]string, 0, len(telemetry.Channels))
	for _, ch := range rec.PresentChannels() {
		v, _ := rec.Value(ch)
		parts = append(parts, fmt.Sprintf("%s=%s", ch, decimal.NewFromFloat(v).Round(3).String()))
	}
	return strings.Join(parts, ", ")
}
