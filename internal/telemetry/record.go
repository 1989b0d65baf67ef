package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Channel names one of the fixed numeric measurement channels.
type Channel string

const (
	WindSpeed   Channel = "wind_speed"
	Temperature Channel = "temperature"
	Pressure    Channel = "pressure"
	Flow        Channel = "flow"
	Power       Channel = "power"
	Vibration   Channel = "vibration"
	Voltage     Channel = "voltage"
	Current     Channel = "current"
)

// Channels lists every fixed channel in canonical order.
var Channels = []Channel{WindSpeed, Temperature, Pressure, Flow, Power, Vibration, Voltage, Current}

// ParseChannel resolves a channel name, accepting upper or lower case.
func ParseChannel(name string) (Channel, error) {
	normalized := Channel(strings.ToLower(strings.TrimSpace(name)))
	for _, ch := range Channels {
		if ch == normalized {
			return ch, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", name)
}

// Label returns a human readable channel name used in anomaly descriptions.
func (c Channel) Label() string {
	return strings.ReplaceAll(string(c), "_", " ")
}

// Status is the screening verdict stored on a record.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusAbnormal Status = "abnormal"
	StatusFault    Status = "fault"
)

// RiskLevel is the three-tier severity of a record.
type RiskLevel string

const (
	RiskGeneral RiskLevel = "general"
	RiskSerious RiskLevel = "serious"
	RiskSevere  RiskLevel = "severe"
)

// Record is one ingested measurement sample from an upstream PC.
type Record struct {
	ID           int64     `json:"id"`
	Source       string    `json:"source"`
	EquipmentID  string    `json:"equipment_id,omitempty"`
	LaboratoryID string    `json:"laboratory_id,omitempty"`
	DataTime     time.Time `json:"data_time"`
	CreatedAt    time.Time `json:"created_at"`

	WindSpeed   *float64 `json:"wind_speed,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Flow        *float64 `json:"flow,omitempty"`
	Power       *float64 `json:"power,omitempty"`
	Vibration   *float64 `json:"vibration,omitempty"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Current     *float64 `json:"current,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`

	Status             Status    `json:"status"`
	RiskLevel          RiskLevel `json:"risk_level"`
	AnomalyDescription string    `json:"anomaly_description,omitempty"`
}

// Value returns the channel value, or false when the channel is null.
func (r *Record) Value(ch Channel) (float64, bool) {
	p := r.slot(ch)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// Set assigns a channel value.
func (r *Record) Set(ch Channel, v float64) {
	if p := r.slot(ch); p != nil {
		value := v
		*p = &value
	}
}

// Clear nulls a channel.
func (r *Record) Clear(ch Channel) {
	if p := r.slot(ch); p != nil {
		*p = nil
	}
}

// PresentChannels returns the non-null channels in canonical order.
func (r *Record) PresentChannels() []Channel {
	out := make([]Channel, 0, len(Channels))
	for _, ch := range Channels {
		if _, ok := r.Value(ch); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (r Record) Clone() Record {
	out := r
	for _, ch := range Channels {
		out.Clear(ch)
		if v, ok := r.Value(ch); ok {
			out.Set(ch, v)
		}
	}
	if r.Extra != nil {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// ApplyDefaults fills fields a source may omit. Screening fields are reset only when empty.
func (r *Record) ApplyDefaults(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.DataTime.IsZero() {
		r.DataTime = now
	}
	if r.Status == "" {
		r.Status = StatusNormal
	}
	if r.RiskLevel == "" {
		r.RiskLevel = RiskGeneral
	}
}

func (r *Record) slot(ch Channel) **float64 {
	switch ch {
	case WindSpeed:
		return &r.WindSpeed
	case Temperature:
		return &r.Temperature
	case Pressure:
		return &r.Pressure
	case Flow:
		return &r.Flow
	case Power:
		return &r.Power
	case Vibration:
		return &r.Vibration
	case Voltage:
		return &r.Voltage
	case Current:
		return &r.Current
	default:
		return nil
	}
}

// Float is a helper for building records in literals.
func Float(v float64) *float64 {
	return &v
}
