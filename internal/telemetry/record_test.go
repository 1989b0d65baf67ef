package telemetry

import (
	"testing"
	"time"
)

func TestRecordSetValueClear(t *testing.T) {
	var rec Record
	if _, ok := rec.Value(WindSpeed); ok {
		t.Fatal("empty record should have null wind speed")
	}

	rec.Set(WindSpeed, 12.5)
	if v, ok := rec.Value(WindSpeed); !ok || v != 12.5 {
		t.Fatalf("expected 12.5, got %v (%v)", v, ok)
	}

	rec.Clear(WindSpeed)
	if rec.WindSpeed != nil {
		t.Fatal("clear should null the channel")
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := Record{Source: "pc-a", Extra: map[string]string{"rig": "3"}}
	rec.Set(Temperature, 20)

	cp := rec.Clone()
	cp.Set(Temperature, 99)
	cp.Extra["rig"] = "4"

	if v, _ := rec.Value(Temperature); v != 20 {
		t.Fatalf("original temperature mutated to %v", v)
	}
	if rec.Extra["rig"] != "3" {
		t.Fatal("original extra map mutated")
	}
}

func TestApplyDefaultsKeepsScreeningFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := Record{Status: StatusAbnormal}
	rec.ApplyDefaults(now)

	if !rec.DataTime.Equal(now) || !rec.CreatedAt.Equal(now) {
		t.Fatal("timestamps should default to now")
	}
	if rec.Status != StatusAbnormal {
		t.Fatalf("status overwritten: %s", rec.Status)
	}
	if rec.RiskLevel != RiskGeneral {
		t.Fatalf("risk should default to general, got %s", rec.RiskLevel)
	}
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("WIND_SPEED")
	if err != nil || ch != WindSpeed {
		t.Fatalf("expected wind_speed, got %q err=%v", ch, err)
	}
	if _, err := ParseChannel("humidity"); err == nil {
		t.Fatal("unknown channel should error")
	}
}

func TestNotificationResendable(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		note Notification
		want bool
	}{
		{"failed with retries", Notification{SendStatus: SendFailed, RetryCount: 1, MaxRetryCount: 3, CreatedAt: created}, true},
		{"failed exhausted", Notification{SendStatus: SendFailed, RetryCount: 3, MaxRetryCount: 3, CreatedAt: created}, false},
		{"pending past grace", Notification{SendStatus: SendPending, MaxRetryCount: 3, CreatedAt: created.Add(-time.Minute)}, true},
		{"pending inside grace", Notification{SendStatus: SendPending, MaxRetryCount: 3, CreatedAt: created}, false},
		{"sent", Notification{SendStatus: SendSent, MaxRetryCount: 3, CreatedAt: created.Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		if got := tc.note.Resendable(created); got != tc.want {
			t.Errorf("%s: Resendable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
