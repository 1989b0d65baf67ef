package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"windtunnel-telemetry/internal/alerting"
	"windtunnel-telemetry/internal/analytics"
	"windtunnel-telemetry/internal/api"
	"windtunnel-telemetry/internal/batch"
	"windtunnel-telemetry/internal/config"
	"windtunnel-telemetry/internal/eventbus"
	"windtunnel-telemetry/internal/metrics"
	"windtunnel-telemetry/internal/parsing"
	"windtunnel-telemetry/internal/rules"
	"windtunnel-telemetry/internal/scheduler"
	"windtunnel-telemetry/internal/server"
	"windtunnel-telemetry/internal/service"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
	"windtunnel-telemetry/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Backend is everything the app needs from a store.
type Backend interface {
	storage.RecordStore
	storage.NotificationStore
	storage.AdvisoryLocker
	Close()
}

// openStore returns the PostgreSQL store when a DSN is configured and the
// in-memory store otherwise. persistent reports which one was chosen.
func (a *App) openStore(ctx context.Context) (store Backend, persistent bool, err error) {
	if a.Config.Database.DSN == "" {
		return storage.NewMemoryStore(), false, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, false, err
	}

	if a.Config.Database.AutoMigrate {
		n, err := storage.ApplyMigrations(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, false, err
		}
		a.Logger.Info().Int("files", n).Str("dir", a.Config.Database.MigrationsPath).Msg("migrations applied")
	}

	return storage.NewStore(pool), true, nil
}

// openPersistentStore is used by commands that only make sense against the database.
func (a *App) openPersistentStore(ctx context.Context, purpose string) (Backend, error) {
	store, persistent, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if !persistent {
		store.Close()
		return nil, fmt.Errorf("database not configured; cannot %s", purpose)
	}
	return store, nil
}

// ruleSet merges configured bounds over the canonical table.
func (a *App) ruleSet() (*rules.Set, error) {
	bounds := make(map[telemetry.Channel]rules.Bound, len(rules.DefaultBounds))
	for ch, b := range rules.DefaultBounds {
		bounds[ch] = b
	}
	for name, b := range a.Config.Rules.Bounds {
		ch, err := telemetry.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("rules.bounds: %w", err)
		}
		bounds[ch] = rules.Bound{Min: b.Min, Max: b.Max}
	}
	return rules.FromBounds(bounds), nil
}

func (a *App) escalationChannels() ([]telemetry.Channel, error) {
	out := make([]telemetry.Channel, 0, len(a.Config.Rules.EscalationChannels))
	for _, name := range a.Config.Rules.EscalationChannels {
		ch, err := telemetry.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("rules.escalation_channels: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func (a *App) thresholds() (map[telemetry.Channel]float64, error) {
	if len(a.Config.Rules.Thresholds) == 0 {
		return nil, nil
	}
	out := make(map[telemetry.Channel]float64, len(a.Config.Rules.Thresholds))
	for name, v := range a.Config.Rules.Thresholds {
		ch, err := telemetry.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("rules.thresholds: %w", err)
		}
		out[ch] = v
	}
	return out, nil
}

// newRegistry builds one key-value strategy per configured source, in order.
func (a *App) newRegistry() (*parsing.Registry, error) {
	strategies := make([]parsing.Strategy, 0, len(a.Config.Sources))
	for _, src := range a.Config.Sources {
		var matchers []parsing.Matcher
		if len(src.Peers) > 0 {
			m, err := parsing.MatchCIDRs(src.Peers...)
			if err != nil {
				return nil, fmt.Errorf("sources.%s.peers: %w", src.Name, err)
			}
			matchers = append(matchers, m)
		}
		if len(src.Declared) > 0 {
			matchers = append(matchers, parsing.MatchDeclared(src.Declared...))
		}

		match := parsing.MatchAll()
		if len(matchers) > 0 {
			match = parsing.AnyOf(matchers...)
		}

		source := src.Source
		if source == "" {
			source = src.Name
		}
		s, err := parsing.NewKeyValueStrategy(parsing.KeyValueOptions{
			Name:    src.Name,
			Source:  source,
			Match:   match,
			Aliases: src.Aliases,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("sources.%s: %w", src.Name, err)
		}
		strategies = append(strategies, s)
	}
	return parsing.NewRegistry(strategies...), nil
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	cfg := a.Config.Alerting
	var out alerting.MultiNotifier
	for _, name := range cfg.Channels {
		switch name {
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			if !cfg.Telegram.Enabled {
				return nil, errors.New("alerting.channels lists telegram but alerting.telegram.enabled is false")
			}
		default:
			return nil, fmt.Errorf("alerting.channels: 未知通道 %q", name)
		}
	}
	if cfg.Telegram.Enabled {
		out = append(out, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.DeliveryTimeout, a.Logger))
	}
	if len(out) == 0 {
		return alerting.NewLogNotifier(a.Logger), nil
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// Runtime is the fully wired ingestion pipeline.
type Runtime struct {
	Store      Backend
	Persistent bool
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Center     *alerting.Center
	Bus        *eventbus.Bus
	Engine     *analytics.Engine
	Pipeline   *service.Service
	Batch      *batch.Gateway

	closers []func()
}

// Close releases sinks and the store in reverse order of creation.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Build wires storage, rules, observers and services from configuration.
func (a *App) Build(ctx context.Context) (*Runtime, error) {
	set, err := a.ruleSet()
	if err != nil {
		return nil, err
	}
	escalation, err := a.escalationChannels()
	if err != nil {
		return nil, err
	}
	thresholds, err := a.thresholds()
	if err != nil {
		return nil, err
	}
	registry, err := a.newRegistry()
	if err != nil {
		return nil, err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}

	store, persistent, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Store: store, Persistent: persistent}
	rt.closers = append(rt.closers, store.Close)
	if !persistent {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.New(rt.Registry)

	rt.Center = alerting.NewCenter(store, notifier, alerting.CenterOptions{
		Workers:         a.Config.Alerting.Workers,
		QueueSize:       a.Config.Alerting.QueueSize,
		MaxRetries:      a.Config.Alerting.MaxRetries,
		DeliveryTimeout: a.Config.Alerting.DeliveryTimeout,
	}, rt.Metrics, a.Logger)

	observers := []eventbus.Observer{
		eventbus.NewEscalationObserver(set.Subset(escalation...), a.Logger),
		eventbus.NewMetricsObserver(rt.Metrics),
	}
	if a.Config.Alerting.Enabled {
		observers = append(observers, eventbus.NewNotificationObserver(rt.Center, a.Config.Alerting.MaxRetries, a.Logger))
	}
	if a.Config.Kafka.Enabled {
		w := eventbus.NewKafkaWriter(a.Config.Kafka.Brokers, a.Config.Kafka.Topic, a.Config.Kafka.WriteTimeout)
		rt.closers = append(rt.closers, func() {
			if err := w.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		})
		observers = append(observers, eventbus.NewKafkaObserver(w, a.Config.Kafka.WriteTimeout))
	}
	if a.Config.MQTT.Enabled {
		client, err := a.connectMQTT()
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { client.Disconnect(250) })
		observers = append(observers, eventbus.NewMQTTObserver(client, a.Config.MQTT.TopicPrefix, byte(a.Config.MQTT.QoS), a.Config.MQTT.ConnectTimeout))
	}
	rt.Bus = eventbus.New(rt.Metrics, a.Logger, observers...)

	rt.Engine = analytics.New(store, set, rt.Bus, analytics.Options{Thresholds: thresholds}, a.Logger)
	rt.Pipeline = service.New(registry, rt.Engine, rt.Metrics, a.Logger)
	rt.Batch = batch.New(store, func(rec *telemetry.Record) { rt.Engine.Screen(rec) }, rt.Bus, a.Logger)

	a.Logger.Info().
		Strs("strategies", registry.Names()).
		Strs("observers", rt.Bus.Observers()).
		Int("rules", len(set.Rules())).
		Msg("pipeline wired")
	return rt, nil
}

func (a *App) connectMQTT() (mqtt.Client, error) {
	cfg := a.Config.MQTT
	return eventbus.NewMQTTClient(cfg.Broker, cfg.ClientID, cfg.Username, cfg.Password, cfg.ConnectTimeout)
}

// Run executes the long-running ingestion service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := scheduler.New(scheduler.Options{
		Name:         "notification_resend",
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	srv := server.New(server.OptionsFromConfig(a.Config.Server), rt.Pipeline, rt.Metrics, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if a.Config.Alerting.Enabled {
		resender := alerting.NewResender(rt.Store, rt.Center, alerting.ResenderOptions{
			LockKey:      a.Config.Scheduler.AdvisoryLockKey,
			Batch:        a.Config.Alerting.ResendBatch,
			PendingGrace: a.pendingGrace(),
		}, a.Logger)
		g.Go(func() error { return rt.Center.Run(gctx) })
		g.Go(func() error { return sched.Run(gctx, resender.Sweep) })
	}

	if a.Config.API.Enabled {
		var gatherer prometheus.Gatherer
		if a.Config.Metrics.Enabled {
			gatherer = rt.Registry
		}
		router := api.NewRouter(api.Deps{
			Engine:        rt.Engine,
			Records:       rt.Store,
			Notifications: rt.Store,
			Batch:         rt.Batch,
			Gatherer:      gatherer,
		}, api.Options{
			RateLimit:   a.Config.API.RateLimit,
			Burst:       a.Config.API.Burst,
			MetricsPath: a.Config.Metrics.Path,
		}, a.Logger)
		g.Go(func() error {
			return api.Serve(gctx, a.Config.API.Addr, router, a.Config.API.ReadTimeout, a.Config.API.WriteTimeout, a.Logger)
		})
	}

	a.Logger.Info().Str("addr", a.Config.Server.Addr()).Str("build", version.String()).Msg("starting ingestion service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical records.
type ExportOptions struct {
	Source    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit         int
	Source        string
	Notifications bool
}

// RescoreOptions configure the rescore job.
type RescoreOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// SimulateOptions describe one frame pushed through the pipeline offline.
type SimulateOptions struct {
	PeerAddr string
	Declared string
	Frame    string
}

// StatsOptions configure the stats command.
type StatsOptions struct {
	Source string
	Window time.Duration
	From   *time.Time
	To     *time.Time
}

// TrendOptions configure the trend command.
type TrendOptions struct {
	Source  string
	Samples int
}
