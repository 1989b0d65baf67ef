package parsing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/telemetry"
)

var (
	// ErrMalformedFrame means the frame held no KEY:VALUE pair at all.
	ErrMalformedFrame = errors.New("parsing: malformed frame")
	// ErrNoStrategy means no registered strategy accepts the peer.
	ErrNoStrategy = errors.New("parsing: no strategy for peer")
)

// Strategy converts raw frames from one family of peers into records.
type Strategy interface {
	Name() string
	Applicable(peer Peer) bool
	Parse(frame string) (telemetry.Record, error)
}

// DefaultAliases maps upper-case wire keys to channels.
var DefaultAliases = map[string]telemetry.Channel{
	"WIND_SPEED":  telemetry.WindSpeed,
	"WINDSPEED":   telemetry.WindSpeed,
	"WIND":        telemetry.WindSpeed,
	"WS":          telemetry.WindSpeed,
	"TEMP":        telemetry.Temperature,
	"TEMPERATURE": telemetry.Temperature,
	"PRESSURE":    telemetry.Pressure,
	"PRESS":       telemetry.Pressure,
	"FLOW":        telemetry.Flow,
	"FLOW_RATE":   telemetry.Flow,
	"POWER":       telemetry.Power,
	"VIBRATION":   telemetry.Vibration,
	"VIB":         telemetry.Vibration,
	"VOLTAGE":     telemetry.Voltage,
	"VOLT":        telemetry.Voltage,
	"CURRENT":     telemetry.Current,
	"AMP":         telemetry.Current,
}

const (
	keyEquipment = "EQUIPMENT_ID"
	keyLab       = "LAB_ID"
	keyTimestamp = "TS"
)

// KeyValueOptions configure a KeyValueStrategy.
type KeyValueOptions struct {
	Name    string
	Source  string
	Match   Matcher
	Aliases map[string]string
	Now     func() time.Time
}

// KeyValueStrategy parses comma separated KEY:VALUE frames.
type KeyValueStrategy struct {
	name    string
	source  string
	match   Matcher
	aliases map[string]telemetry.Channel
	now     func() time.Time
	logger  zerolog.Logger
}

// NewKeyValueStrategy builds a strategy. Extra aliases map wire keys to
// channel names and extend DefaultAliases.
func NewKeyValueStrategy(opts KeyValueOptions, logger zerolog.Logger) (*KeyValueStrategy, error) {
	if opts.Source == "" {
		return nil, errors.New("strategy source is required")
	}
	if opts.Match == nil {
		return nil, fmt.Errorf("strategy %s: matcher is required", opts.Source)
	}
	name := opts.Name
	if name == "" {
		name = opts.Source
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	aliases := make(map[string]telemetry.Channel, len(DefaultAliases)+len(opts.Aliases))
	for k, v := range DefaultAliases {
		aliases[k] = v
	}
	for key, channelName := range opts.Aliases {
		ch, err := telemetry.ParseChannel(channelName)
		if err != nil {
			return nil, fmt.Errorf("strategy %s alias %s: %w", name, key, err)
		}
		aliases[strings.ToUpper(strings.TrimSpace(key))] = ch
	}

	return &KeyValueStrategy{
		name:    name,
		source:  opts.Source,
		match:   opts.Match,
		aliases: aliases,
		now:     now,
		logger:  logger.With().Str("component", "strategy").Str("strategy", name).Logger(),
	}, nil
}

// Name returns the strategy name.
func (s *KeyValueStrategy) Name() string { return s.name }

// Source returns the source identifier stamped on parsed records.
func (s *KeyValueStrategy) Source() string { return s.source }

// Applicable reports whether the peer belongs to this strategy.
func (s *KeyValueStrategy) Applicable(peer Peer) bool {
	return s.match(peer)
}

// Parse decodes one frame. Fields with unparsable numbers are dropped.
func (s *KeyValueStrategy) Parse(frame string) (telemetry.Record, error) {
	now := s.now()
	rec := telemetry.Record{
		Source:    s.source,
		CreatedAt: now,
		DataTime:  now,
		Status:    telemetry.StatusNormal,
		RiskLevel: telemetry.RiskGeneral,
	}

	pairs := 0
	for _, part := range strings.Split(frame, ",") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			if strings.TrimSpace(part) != "" {
				s.logger.Debug().Str("segment", part).Msg("segment without separator skipped")
			}
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		pairs++

		switch key {
		case keyEquipment:
			rec.EquipmentID = value
			continue
		case keyLab:
			rec.LaboratoryID = value
			continue
		case keyTimestamp:
			if ts, err := parseTimestamp(value); err == nil {
				rec.DataTime = ts
			} else {
				s.logger.Debug().Str("value", value).Err(err).Msg("timestamp dropped")
			}
			continue
		}

		if ch, known := s.aliases[key]; known {
			v, err := parseNumber(value)
			if err != nil {
				s.logger.Debug().Str("key", key).Str("value", value).Msg("numeric field dropped")
				continue
			}
			rec.Set(ch, v)
			continue
		}

		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[key] = value
	}

	if pairs == 0 {
		return telemetry.Record{}, ErrMalformedFrame
	}
	return rec, nil
}

func parseNumber(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %q", v)
	}
	return f, nil
}

// parseTimestamp accepts unix milliseconds or RFC3339.
func parseTimestamp(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

var _ Strategy = (*KeyValueStrategy)(nil)
