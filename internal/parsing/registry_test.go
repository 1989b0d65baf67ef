package parsing

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtunnel-telemetry/internal/telemetry"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStrategy(t *testing.T, source string, cidrs ...string) *KeyValueStrategy {
	t.Helper()
	match, err := MatchCIDRs(cidrs...)
	require.NoError(t, err)
	s, err := NewKeyValueStrategy(KeyValueOptions{
		Source: source,
		Match:  AnyOf(match, MatchDeclared(source)),
		Now:    func() time.Time { return fixedNow },
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestParseRecognisedKeys(t *testing.T) {
	s := newStrategy(t, "pc-a", "10.0.0.0/24")

	rec, err := s.Parse("WIND_SPEED:12.5,temp:-3,Pressure:101.3,VOLTAGE:220,CURRENT:4.5")
	require.NoError(t, err)

	assert.Equal(t, "pc-a", rec.Source)
	assert.Equal(t, fixedNow, rec.DataTime)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	assert.Equal(t, telemetry.StatusNormal, rec.Status)

	expected := map[telemetry.Channel]float64{
		telemetry.WindSpeed:   12.5,
		telemetry.Temperature: -3,
		telemetry.Pressure:    101.3,
		telemetry.Voltage:     220,
		telemetry.Current:     4.5,
	}
	for _, ch := range telemetry.Channels {
		v, ok := rec.Value(ch)
		if want, set := expected[ch]; set {
			require.True(t, ok, "channel %s should be set", ch)
			assert.Equal(t, want, v)
		} else {
			assert.False(t, ok, "channel %s should be null", ch)
		}
	}
}

func TestParseDropsBadNumberAndKeepsRest(t *testing.T) {
	s := newStrategy(t, "pc-a", "10.0.0.1")

	rec, err := s.Parse("WIND_SPEED:fast,TEMP:25,FLOW:NaN,RIG:R7,EQUIPMENT_ID:eq-9,LAB_ID:lab-2")
	require.NoError(t, err)

	assert.Nil(t, rec.WindSpeed)
	assert.Nil(t, rec.Flow)
	require.NotNil(t, rec.Temperature)
	assert.Equal(t, 25.0, *rec.Temperature)
	assert.Equal(t, "R7", rec.Extra["RIG"])
	assert.Equal(t, "eq-9", rec.EquipmentID)
	assert.Equal(t, "lab-2", rec.LaboratoryID)
}

func TestParseTimestampKey(t *testing.T) {
	s := newStrategy(t, "pc-a", "10.0.0.1")

	rec, err := s.Parse("TS:2026-02-01T08:30:00Z,TEMP:1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC), rec.DataTime)

	rec, err = s.Parse("TS:1700000000000,TEMP:1")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), rec.DataTime)
}

func TestParseMalformedFrame(t *testing.T) {
	s := newStrategy(t, "pc-a", "10.0.0.1")
	_, err := s.Parse("garbage without separators")
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCustomAliases(t *testing.T) {
	match, err := MatchCIDRs("10.0.0.1")
	require.NoError(t, err)
	s, err := NewKeyValueStrategy(KeyValueOptions{
		Source:  "pc-b",
		Match:   match,
		Aliases: map[string]string{"fs": "wind_speed"},
	}, zerolog.Nop())
	require.NoError(t, err)

	rec, err := s.Parse("FS:33")
	require.NoError(t, err)
	require.NotNil(t, rec.WindSpeed)
	assert.Equal(t, 33.0, *rec.WindSpeed)

	_, err = NewKeyValueStrategy(KeyValueOptions{Source: "x", Match: match, Aliases: map[string]string{"a": "humidity"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRegistrySelectsFirstApplicable(t *testing.T) {
	a := newStrategy(t, "pc-a", "10.0.0.0/8")
	b := newStrategy(t, "pc-b", "10.1.0.0/16")
	reg := NewRegistry(a, b)

	s, ok := reg.Select(Peer{Host: "10.1.2.3"})
	require.True(t, ok)
	assert.Equal(t, "pc-a", s.Name(), "registration order wins")

	s, ok = reg.Select(Peer{Declared: "PC-B"})
	require.True(t, ok)
	assert.Equal(t, "pc-b", s.Name())

	_, ok = reg.Select(Peer{Host: "192.168.1.1"})
	assert.False(t, ok)

	_, err := reg.Parse(Peer{Host: "192.168.1.1", Addr: "192.168.1.1:5000"}, "TEMP:1")
	assert.True(t, errors.Is(err, ErrNoStrategy))

	assert.Equal(t, []string{"pc-a", "pc-b"}, reg.Names())
}

func TestMatchCIDRsRejectsGarbage(t *testing.T) {
	_, err := MatchCIDRs("not-an-ip")
	assert.Error(t, err)
}
