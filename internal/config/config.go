package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"windtunnel-telemetry/internal/logging"
)

// Overflow policies for the per-connection frame queue.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "drop_oldest"
	OverflowDropNewest = "drop_newest"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
// An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ApplicationName string        `mapstructure:"application_name"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ServerConfig governs the upstream TCP listener.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadIdleSeconds  int           `mapstructure:"read_idle_seconds"`
	WriteIdleSeconds int           `mapstructure:"write_idle_seconds"`
	QueueSize        int           `mapstructure:"queue_size"`
	OverflowPolicy   string        `mapstructure:"overflow_policy"`
	Ack              bool          `mapstructure:"ack"`
	MaxFrameBytes    int           `mapstructure:"max_frame_bytes"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ReadIdle converts the configured seconds to a duration.
func (s ServerConfig) ReadIdle() time.Duration {
	return time.Duration(s.ReadIdleSeconds) * time.Second
}

// WriteIdle converts the configured seconds to a duration.
func (s ServerConfig) WriteIdle() time.Duration {
	return time.Duration(s.WriteIdleSeconds) * time.Second
}

// SourceConfig registers one upstream PC and how to recognise it.
// Peers holds IPs or CIDRs; Declared holds identities sent by the peer.
// A source with neither matches every peer and should be listed last.
type SourceConfig struct {
	Name     string            `mapstructure:"name"`
	Source   string            `mapstructure:"source"`
	Peers    []string          `mapstructure:"peers"`
	Declared []string          `mapstructure:"declared"`
	Aliases  map[string]string `mapstructure:"aliases"`
}

// BoundConfig is an inclusive normal range.
type BoundConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// RulesConfig overrides the canonical anomaly bounds.
type RulesConfig struct {
	Bounds             map[string]BoundConfig `mapstructure:"bounds"`
	EscalationChannels []string               `mapstructure:"escalation_channels"`
	Thresholds         map[string]float64     `mapstructure:"thresholds"`
}

// AlertingConfig defines notification delivery.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Workers         int            `mapstructure:"workers"`
	QueueSize       int            `mapstructure:"queue_size"`
	MaxRetries      int            `mapstructure:"max_retries"`
	DeliveryTimeout time.Duration  `mapstructure:"delivery_timeout"`
	ResendBatch     int            `mapstructure:"resend_batch"`
	Channels        []string       `mapstructure:"channels"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SchedulerConfig governs the notification resend sweep.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// APIConfig configures the HTTP query surface.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig toggles Prometheus exposition on the API listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// KafkaConfig mirrors record events to a Kafka topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig mirrors record events to an MQTT broker.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	DefaultWindow time.Duration `mapstructure:"default_window"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TUNNELTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []SourceConfig{{Name: "default", Source: "default"}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tunneltel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.application_name", "tunneltel")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_idle_seconds", 30)
	v.SetDefault("server.write_idle_seconds", 30)
	v.SetDefault("server.queue_size", 256)
	v.SetDefault("server.overflow_policy", OverflowBlock)
	v.SetDefault("server.ack", false)
	v.SetDefault("server.max_frame_bytes", 64*1024)
	v.SetDefault("server.shutdown_grace", "5s")

	v.SetDefault("rules.escalation_channels", []string{"wind_speed", "temperature"})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.workers", 4)
	v.SetDefault("alerting.queue_size", 1024)
	v.SetDefault("alerting.max_retries", 3)
	v.SetDefault("alerting.delivery_timeout", "10s")
	v.SetDefault("alerting.resend_batch", 100)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74756e6e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.rate_limit", 50.0)
	v.SetDefault("api.burst", 100)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "tunneltel.records")
	v.SetDefault("kafka.write_timeout", "5s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "tunneltel")
	v.SetDefault("mqtt.topic_prefix", "tunneltel/records")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.default_window", "24h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.ReadIdleSeconds < 0 || c.Server.WriteIdleSeconds < 0 {
		return fmt.Errorf("server idle timeouts cannot be negative")
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be greater than zero")
	}
	switch c.Server.OverflowPolicy {
	case OverflowBlock, OverflowDropOldest, OverflowDropNewest:
	default:
		return fmt.Errorf("server.overflow_policy %q 不支持 (block|drop_oldest|drop_newest)", c.Server.OverflowPolicy)
	}
	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be greater than zero")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d].name %q duplicated", i, src.Name)
		}
		seen[src.Name] = struct{}{}
	}

	for name, b := range c.Rules.Bounds {
		if b.Min > b.Max {
			return fmt.Errorf("rules.bounds.%s: min %v greater than max %v", name, b.Min, b.Max)
		}
	}

	if c.Alerting.Workers <= 0 {
		return fmt.Errorf("alerting.workers must be greater than zero")
	}
	if c.Alerting.QueueSize <= 0 {
		return fmt.Errorf("alerting.queue_size must be greater than zero")
	}
	if c.Alerting.MaxRetries < 0 {
		return fmt.Errorf("alerting.max_retries cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when api is enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers 必须配置")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic 必须配置")
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker 必须配置")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
