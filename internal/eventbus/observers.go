package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"windtunnel-telemetry/internal/alerting"
	"windtunnel-telemetry/internal/metrics"
	"windtunnel-telemetry/internal/rules"
	"windtunnel-telemetry/internal/telemetry"
)

// EscalationObserver re-checks a reduced rule subset and logs a warning
// when it fires.
type EscalationObserver struct {
	rules  *rules.Set
	logger zerolog.Logger
}

// NewEscalationObserver builds the observer over the given subset.
func NewEscalationObserver(subset *rules.Set, logger zerolog.Logger) *EscalationObserver {
	return &EscalationObserver{rules: subset, logger: logger.With().Str("component", "escalation").Logger()}
}

func (o *EscalationObserver) Name() string { return "escalation" }

func (o *EscalationObserver) Observe(_ context.Context, ev Event) error {
	abnormal, reasons := o.rules.Evaluate(&ev.Record)
	if !abnormal {
		return nil
	}
	o.logger.Warn().
		Str("source", ev.Record.Source).
		Str("equipment_id", ev.Record.EquipmentID).
		Int64("record_id", ev.Record.ID).
		Str("risk", string(ev.Record.RiskLevel)).
		Strs("reasons", reasons).
		Msg("critical channel out of range")
	return nil
}

// NotificationObserver hands one SYSTEM notification per anomalous record
// to the dispatcher. Dispatch failures are returned to the bus, which logs
// them; retrying belongs to the dispatcher.
type NotificationObserver struct {
	dispatcher alerting.Dispatcher
	maxRetries int
	now        func() time.Time
	logger     zerolog.Logger
}

// NewNotificationObserver builds the observer.
func NewNotificationObserver(d alerting.Dispatcher, maxRetries int, logger zerolog.Logger) *NotificationObserver {
	return &NotificationObserver{
		dispatcher: d,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "notify_observer").Logger(),
	}
}

func (o *NotificationObserver) Name() string { return "notification" }

func (o *NotificationObserver) Observe(ctx context.Context, ev Event) error {
	if !qualifies(ev) {
		return nil
	}
	note := alerting.NewAnomalyNotification(ev.Record, o.maxRetries, o.now())
	id, err := o.dispatcher.Dispatch(ctx, note)
	if err != nil {
		return fmt.Errorf("dispatch notification for record %d: %w", ev.Record.ID, err)
	}
	o.logger.Debug().Str("notification_id", id).Int64("record_id", ev.Record.ID).Msg("notification dispatched")
	return nil
}

// qualifies is true for non-normal records that were created, or that
// became non-normal through an update.
func qualifies(ev Event) bool {
	if ev.Record.Status == telemetry.StatusNormal || ev.Record.Status == "" {
		return false
	}
	if ev.Kind == KindUpdated {
		return ev.Previous == telemetry.StatusNormal || ev.Previous == ""
	}
	return true
}

// MetricsObserver counts ingested and anomalous records per source.
type MetricsObserver struct {
	metrics *metrics.Metrics
}

// NewMetricsObserver builds the observer.
func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) Name() string { return "metrics" }

func (o *MetricsObserver) Observe(_ context.Context, ev Event) error {
	if ev.Kind != KindCreated {
		return nil
	}
	o.metrics.RecordIngested(ev.Record.Source, ev.Record.Status != telemetry.StatusNormal)
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaObserver.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a synchronous writer for the mirror topic.
func NewKafkaWriter(brokers []string, topic string, timeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: timeout,
		Async:        false,
	}
}

// KafkaObserver mirrors events to Kafka keyed by source, so events from
// one source stay on one partition.
type KafkaObserver struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaObserver wraps a writer.
func NewKafkaObserver(w MessageWriter, timeout time.Duration) *KafkaObserver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaObserver{writer: w, timeout: timeout}
}

func (o *KafkaObserver) Name() string { return "kafka" }

func (o *KafkaObserver) Observe(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(ev.Record.Source),
		Value: payload,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "status", Value: []byte(ev.Record.Status)},
		},
	}
	if err := o.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// MQTTObserver publishes events under <prefix>/<source>/<kind>.
type MQTTObserver struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// NewMQTTObserver wraps a connected client.
func NewMQTTObserver(client mqtt.Client, prefix string, qos byte, timeout time.Duration) *MQTTObserver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTObserver{client: client, prefix: strings.TrimRight(prefix, "/"), qos: qos, timeout: timeout}
}

func (o *MQTTObserver) Name() string { return "mqtt" }

func (o *MQTTObserver) Observe(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/%s", o.prefix, topicSegment(ev.Record.Source), ev.Kind)
	token := o.client.Publish(topic, o.qos, false, payload)
	if !token.WaitTimeout(o.timeout) {
		return fmt.Errorf("mqtt publish %s: timed out after %s", topic, o.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// topicSegment strips MQTT wildcard and separator characters.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// NewMQTTClient connects a paho client using the given options.
func NewMQTTClient(broker, clientID, username, password string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	if username != "" {
		opts.SetUsername(username).SetPassword(password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return client, nil
}

var (
	_ Observer = (*EscalationObserver)(nil)
	_ Observer = (*NotificationObserver)(nil)
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*KafkaObserver)(nil)
	_ Observer = (*MQTTObserver)(nil)
)
