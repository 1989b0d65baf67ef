package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"windtunnel-telemetry/internal/telemetry"
)

func TestEvaluateOutOfRangeNamesChannel(t *testing.T) {
	cases := []struct {
		channel telemetry.Channel
		value   float64
	}{
		{telemetry.WindSpeed, 150.01},
		{telemetry.WindSpeed, -1},
		{telemetry.Temperature, -50.5},
		{telemetry.Temperature, 151},
		{telemetry.Pressure, 201},
		{telemetry.Pressure, -0.1},
		{telemetry.Voltage, 501},
		{telemetry.Current, 100.5},
	}

	set := Default()
	for _, tc := range cases {
		rec := telemetry.Record{}
		rec.Set(tc.channel, tc.value)

		abnormal, reasons := set.Evaluate(&rec)
		require.True(t, abnormal, "%s=%v should be abnormal", tc.channel, tc.value)
		require.NotEmpty(t, reasons)
		assert.Contains(t, JoinReasons(reasons), tc.channel.Label())
	}
}

func TestEvaluateInRangeOrNull(t *testing.T) {
	rec := telemetry.Record{}
	rec.Set(telemetry.WindSpeed, 150)
	rec.Set(telemetry.Temperature, -50)
	rec.Set(telemetry.Pressure, 0)
	rec.Set(telemetry.Voltage, 500)
	rec.Set(telemetry.Current, 100)
	rec.Set(telemetry.Vibration, 1e6) // no rule for vibration

	abnormal, reasons := Default().Evaluate(&rec)
	assert.False(t, abnormal)
	assert.Empty(t, reasons)

	empty := telemetry.Record{}
	abnormal, _ = Default().Evaluate(&empty)
	assert.False(t, abnormal)
}

// Temperature and pressure historically used two different limits; the
// canonical table keeps the wider ones.
func TestCanonicalBoundsUseWiderVariant(t *testing.T) {
	rec := telemetry.Record{}
	rec.Set(telemetry.Temperature, 120) // abnormal under the narrower [-50,100]
	rec.Set(telemetry.Pressure, 20)     // abnormal under the narrower [50,200]

	abnormal, reasons := Default().Evaluate(&rec)
	assert.False(t, abnormal, "unexpected reasons: %v", reasons)

	narrow := FromBounds(map[telemetry.Channel]Bound{
		telemetry.Temperature: {Min: -50, Max: 100},
		telemetry.Pressure:    {Min: 50, Max: 200},
	})
	abnormal, reasons = narrow.Evaluate(&rec)
	assert.True(t, abnormal)
	assert.Len(t, reasons, 2)
}

func TestEvaluateDoesNotMutate(t *testing.T) {
	rec := telemetry.Record{Status: telemetry.StatusNormal}
	rec.Set(telemetry.WindSpeed, 999)
	before := rec.Clone()

	Default().Evaluate(&rec)
	assert.Equal(t, before, rec)
}

func TestReasonsJoinedInRuleOrder(t *testing.T) {
	rec := telemetry.Record{}
	rec.Set(telemetry.Current, 200)
	rec.Set(telemetry.WindSpeed, 200)

	_, reasons := Default().Evaluate(&rec)
	joined := JoinReasons(reasons)
	assert.True(t, strings.Index(joined, "wind speed") < strings.Index(joined, "current"))
	assert.Contains(t, joined, "; ")
}

func TestSubset(t *testing.T) {
	sub := Default().Subset(telemetry.WindSpeed, telemetry.Temperature)
	require.Len(t, sub.Rules(), 2)

	rec := telemetry.Record{}
	rec.Set(telemetry.Voltage, 9999)
	abnormal, _ := sub.Evaluate(&rec)
	assert.False(t, abnormal)
}

func TestCheckSkipsNullFields(t *testing.T) {
	rec := telemetry.Record{}
	rec.Set(telemetry.WindSpeed, 10)
	results := Default().Check(&rec)
	require.Len(t, results, 1)
	assert.Equal(t, telemetry.WindSpeed, results[0].Field)
	assert.False(t, results[0].Triggered)
}

func TestAssessRisk(t *testing.T) {
	assert.Equal(t, telemetry.RiskGeneral, AssessRisk(telemetry.StatusNormal, true, false))
	assert.Equal(t, telemetry.RiskSerious, AssessRisk(telemetry.StatusNormal, false, false))
	assert.Equal(t, telemetry.RiskSerious, AssessRisk(telemetry.StatusNormal, true, true))
	assert.Equal(t, telemetry.RiskSevere, AssessRisk(telemetry.StatusAbnormal, true, false))
}
