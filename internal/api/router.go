// Package api exposes the query surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"windtunnel-telemetry/internal/analytics"
	"windtunnel-telemetry/internal/batch"
	"windtunnel-telemetry/internal/storage"
)

// Deps are the collaborators behind the endpoints.
type Deps struct {
	Engine        *analytics.Engine
	Records       storage.RecordStore
	Notifications storage.NotificationStore
	Batch         *batch.Gateway
	Gatherer      prometheus.Gatherer
}

// Options tune the router.
type Options struct {
	RateLimit   float64
	Burst       int
	MetricsPath string
}

type handler struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter wires every route plus recovery, access logging and rate limiting.
func NewRouter(deps Deps, opts Options, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "api").Logger()
	h := &handler{deps: deps, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/version", h.version).Methods(http.MethodGet)
	if deps.Gatherer != nil && opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if opts.RateLimit > 0 {
		v1.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))))
	}

	v1.HandleFunc("/rules", h.listRules).Methods(http.MethodGet)

	v1.HandleFunc("/sources/{source}/aggregate", h.aggregateWindow).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{source}/stats", h.aggregateRange).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{source}/trend", h.trend).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{source}/complex-events", h.sourceComplexEvents).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{source}/records", h.recordsBySource).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{source}/latest", h.latestBySource).Methods(http.MethodGet)
	v1.HandleFunc("/equipment/{equipment}/records", h.recordsByEquipment).Methods(http.MethodGet)
	v1.HandleFunc("/equipment/{equipment}/latest", h.latestByEquipment).Methods(http.MethodGet)
	v1.HandleFunc("/laboratories/{lab}/records", h.recordsByLab).Methods(http.MethodGet)
	v1.HandleFunc("/records", h.listRecords).Methods(http.MethodGet)
	v1.HandleFunc("/records/{id:[0-9]+}", h.getRecord).Methods(http.MethodGet)

	v1.HandleFunc("/analysis/rules", h.analyzeRules).Methods(http.MethodPost)
	v1.HandleFunc("/analysis/quality", h.quality).Methods(http.MethodPost)
	v1.HandleFunc("/analysis/threshold", h.threshold).Methods(http.MethodPost)
	v1.HandleFunc("/analysis/complex-events", h.complexEvents).Methods(http.MethodPost)
	v1.HandleFunc("/analysis/process", h.processRealtime).Methods(http.MethodPost)

	v1.HandleFunc("/batch/records", h.batchCreate).Methods(http.MethodPost)
	v1.HandleFunc("/batch/records", h.batchUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/batch/records/query", h.batchQuery).Methods(http.MethodPost)
	v1.HandleFunc("/batch/records/delete", h.batchDelete).Methods(http.MethodPost)
	v1.HandleFunc("/batch/records/delete-range", h.batchDeleteRange).Methods(http.MethodPost)
	v1.HandleFunc("/batch/records/delete-sources", h.batchDeleteSources).Methods(http.MethodPost)
	v1.HandleFunc("/batch/records/process", h.batchProcess).Methods(http.MethodPost)

	v1.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)

	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
		handlers.PrintRecoveryStack(false),
	)(r)
	return handlers.CombinedLoggingHandler(logger.With().Str("stream", "access").Logger(), recovered)
}

func rateLimit(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Str("panic", fmt.Sprint(v...)).Msg("handler panic recovered")
}

// Serve runs an HTTP server for h until ctx ends, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler, readTimeout, writeTimeout time.Duration, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}
