package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/telemetry"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, note telemetry.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, note telemetry.Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, note telemetry.Notification) error {
	return f(ctx, note)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note telemetry.Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("notification_id", note.ID).
		Str("source", note.Source).
		Int64("record_id", note.RecordID).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes notifications to the structured log. It is the
// default channel when nothing else is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note telemetry.Notification) error {
	n.logger.Warn().
		Str("notification_id", note.ID).
		Str("sender", note.Sender).
		Str("source", note.Source).
		Int64("record_id", note.RecordID).
		Str("title", note.Title).
		Msg(note.Body)
	return nil
}

// MultiNotifier fans a notification out to every channel. Delivery fails if
// any channel fails; channels that succeeded are not rolled back.
type MultiNotifier []Notifier

// Notify delivers to every channel and joins the errors.
func (m MultiNotifier) Notify(ctx context.Context, note telemetry.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note telemetry.Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", note.Sender, note.Title))
	if note.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	}
	if note.RecordID != 0 {
		builder.WriteString(fmt.Sprintf("Record: %d\n", note.RecordID))
	}
	builder.WriteString(fmt.Sprintf("Created: %s UTC\n", note.CreatedAt.UTC().Format(time.RFC3339)))
	if note.RetryCount > 0 {
		builder.WriteString(fmt.Sprintf("Attempt: %d/%d\n", note.RetryCount+1, note.MaxRetryCount+1))
	}
	builder.WriteString(note.Body)
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
