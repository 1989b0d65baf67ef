package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/metrics"
	"windtunnel-telemetry/internal/parsing"
	"windtunnel-telemetry/internal/telemetry"
)

// ErrDecode wraps every failure to turn a frame into a record. The frame is
// dropped; the connection that delivered it stays open.
var ErrDecode = errors.New("decode frame")

// Processor screens, persists and publishes one record.
type Processor interface {
	ProcessRealtime(ctx context.Context, rec telemetry.Record) (telemetry.Record, error)
}

// Service is the ingestion pipeline: registry -> record -> screening -> store -> bus.
type Service struct {
	registry  *parsing.Registry
	processor Processor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the ingestion pipeline.
func New(registry *parsing.Registry, processor Processor, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		registry:  registry,
		processor: processor,
		metrics:   m,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// HandleFrame 处理单帧数据：选择解析策略、筛查、入库并发布。
// A decode failure returns an error wrapping ErrDecode. A store failure
// returns the screened record together with the error.
func (s *Service) HandleFrame(ctx context.Context, peer parsing.Peer, frame string) (telemetry.Record, error) {
	started := s.now()
	defer func() {
		s.metrics.ObserveFrame(s.now().Sub(started).Seconds())
	}()

	rec, err := s.registry.Parse(peer, frame)
	if err != nil {
		reason := decodeReason(err)
		s.metrics.DecodeError(reason)
		s.logger.Warn().Err(err).
			Str("peer", peer.String()).
			Str("reason", reason).
			Msg("drop frame")
		return telemetry.Record{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	out, err := s.processor.ProcessRealtime(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("process record from %s: %w", peer, err)
	}

	evt := s.logger.Debug()
	if out.Status != telemetry.StatusNormal {
		evt = s.logger.Info()
	}
	evt.Int64("record_id", out.ID).
		Str("source", out.Source).
		Str("status", string(out.Status)).
		Str("risk", string(out.RiskLevel)).
		Msg("record ingested")
	return out, nil
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, parsing.ErrNoStrategy):
		return "no_strategy"
	case errors.Is(err, parsing.ErrMalformedFrame):
		return "malformed"
	default:
		return "parse"
	}
}
