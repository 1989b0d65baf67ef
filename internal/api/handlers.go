package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"windtunnel-telemetry/internal/rules"
	"windtunnel-telemetry/internal/storage"
	"windtunnel-telemetry/internal/telemetry"
	"windtunnel-telemetry/internal/version"
)

const (
	defaultLimit   = 100
	defaultSamples = 10
	maxBodyBytes   = 4 << 20
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

type ruleView struct {
	Field telemetry.Channel `json:"field"`
	Min   *float64          `json:"min,omitempty"`
	Max   *float64          `json:"max,omitempty"`
}

func (h *handler) listRules(w http.ResponseWriter, _ *http.Request) {
	list := h.deps.Engine.Rules().Rules()
	out := make([]ruleView, 0, len(list))
	for _, rule := range list {
		view := ruleView{Field: rule.Field()}
		if rr, ok := rule.(rules.RangeRule); ok {
			view.Min, view.Max = telemetry.Float(rr.Bound.Min), telemetry.Float(rr.Bound.Max)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

// aggregateWindow accepts a slide parameter for a future sliding-window
// mode; it is validated and otherwise ignored.
func (h *handler) aggregateWindow(w http.ResponseWriter, r *http.Request) {
	window, err := durationParam(r, "window", time.Hour)
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := durationParam(r, "slide", 0); err != nil {
		h.fail(w, err)
		return
	}
	agg, err := h.deps.Engine.AggregateWindow(r.Context(), mux.Vars(r)["source"], window)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *handler) aggregateRange(w http.ResponseWriter, r *http.Request) {
	start, end, err := rangeParams(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !start.Before(end) {
		h.fail(w, badRequest("start must be before end"))
		return
	}
	agg, err := h.deps.Engine.AggregateRange(r.Context(), mux.Vars(r)["source"], start, end)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *handler) trend(w http.ResponseWriter, r *http.Request) {
	samples, err := intParam(r, "samples", defaultSamples)
	if err != nil {
		h.fail(w, err)
		return
	}
	if samples <= 0 {
		h.fail(w, badRequest("samples must be positive"))
		return
	}
	out, err := h.deps.Engine.Trend(r.Context(), mux.Vars(r)["source"], samples)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) sourceComplexEvents(w http.ResponseWriter, r *http.Request) {
	start, end, err := rangeParams(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	recs, err := h.deps.Records.FindBySourceAndTimeRange(r.Context(), mux.Vars(r)["source"], start, end)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.DetectComplexEvents(recs))
}

func (h *handler) recordsBySource(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, func(limit int) ([]telemetry.Record, error) {
		return h.deps.Records.FindBySource(r.Context(), mux.Vars(r)["source"], limit)
	})
}

func (h *handler) latestBySource(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, func(limit int) ([]telemetry.Record, error) {
		return h.deps.Records.FindLatestBySource(r.Context(), mux.Vars(r)["source"], limit)
	})
}

func (h *handler) recordsByEquipment(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, func(limit int) ([]telemetry.Record, error) {
		return h.deps.Records.FindByEquipmentID(r.Context(), mux.Vars(r)["equipment"], limit)
	})
}

func (h *handler) latestByEquipment(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, func(limit int) ([]telemetry.Record, error) {
		return h.deps.Records.FindLatestByEquipmentID(r.Context(), mux.Vars(r)["equipment"], limit)
	})
}

func (h *handler) recordsByLab(w http.ResponseWriter, r *http.Request) {
	h.listWith(w, r, func(limit int) ([]telemetry.Record, error) {
		return h.deps.Records.FindByLaboratoryID(r.Context(), mux.Vars(r)["lab"], limit)
	})
}

// listRecords returns records in [start, end) when both are given, otherwise
// the most recent ones.
func (h *handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") != "" || q.Get("end") != "" {
		start, end, err := rangeParams(r)
		if err != nil {
			h.fail(w, err)
			return
		}
		recs, err := h.deps.Records.FindByTimeRange(r.Context(), start, end)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}
	h.listWith(w, r, func(limit int) ([]telemetry.Record, error) {
		return h.deps.Records.ListRecent(r.Context(), limit)
	})
}

func (h *handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.fail(w, badRequest("invalid id"))
		return
	}
	rec, err := h.deps.Records.FindByID(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listWith(w http.ResponseWriter, r *http.Request, load func(limit int) ([]telemetry.Record, error)) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		h.fail(w, err)
		return
	}
	recs, err := load(limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) analyzeRules(w http.ResponseWriter, r *http.Request) {
	var rec telemetry.Record
	if err := decodeBody(r, &rec); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.AnalyzeByRules(rec))
}

func (h *handler) quality(w http.ResponseWriter, r *http.Request) {
	var rec telemetry.Record
	if err := decodeBody(r, &rec); err != nil {
		h.fail(w, err)
		return
	}
	q := h.deps.Engine.QualityCheck(rec)
	writeJSON(w, http.StatusOK, struct {
		telemetry.Quality
		OK bool `json:"ok"`
	}{q, q.OK()})
}

type thresholdRequest struct {
	Record     telemetry.Record   `json:"record"`
	Thresholds map[string]float64 `json:"thresholds"`
}

func (h *handler) threshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	thresholds := make(map[telemetry.Channel]float64, len(req.Thresholds))
	for name, limit := range req.Thresholds {
		ch, err := telemetry.ParseChannel(name)
		if err != nil {
			h.fail(w, badRequest("%v", err))
			return
		}
		thresholds[ch] = limit
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.ThresholdCheck(req.Record, thresholds))
}

func (h *handler) complexEvents(w http.ResponseWriter, r *http.Request) {
	var recs []telemetry.Record
	if err := decodeBody(r, &recs); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.DetectComplexEvents(recs))
}

func (h *handler) processRealtime(w http.ResponseWriter, r *http.Request) {
	var rec telemetry.Record
	if err := decodeBody(r, &rec); err != nil {
		h.fail(w, err)
		return
	}
	rec.ID = 0
	out, err := h.deps.Engine.ProcessRealtime(r.Context(), rec)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if h.deps.Notifications == nil {
		writeJSON(w, http.StatusOK, []telemetry.Notification{})
		return
	}
	notes, err := h.deps.Notifications.ListRecentNotifications(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid json body: %v", err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer", name)
	}
	return v, nil
}

// durationParam accepts Go durations ("5m") or whole seconds ("300").
func durationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, badRequest("%s must be positive", name)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, badRequest("%s must be a positive duration", name)
	}
	return d, nil
}

func rangeParams(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	start, err := ParseTime(q.Get("start"))
	if err != nil {
		return time.Time{}, time.Time{}, badRequest("start: %v", err)
	}
	end, err := ParseTime(q.Get("end"))
	if err != nil {
		return time.Time{}, time.Time{}, badRequest("end: %v", err)
	}
	return start, end, nil
}

// ParseTime accepts RFC3339 or unix milliseconds.
func ParseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("time is required")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t.UTC(), nil
}
