package api

import (
	"net/http"

	"windtunnel-telemetry/internal/batch"
	"windtunnel-telemetry/internal/telemetry"
)

type idsRequest struct {
	IDs []string `json:"ids"`
}

type sourcesRequest struct {
	Sources []string `json:"sources"`
}

type rangeRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type batchResponse struct {
	batch.Result
	Records []telemetry.Record `json:"records,omitempty"`
}

func (h *handler) batchCreate(w http.ResponseWriter, r *http.Request) {
	var recs []telemetry.Record
	if err := decodeBody(r, &recs); err != nil {
		h.fail(w, err)
		return
	}
	res, created, err := h.deps.Batch.Create(r.Context(), recs)
	h.batchReply(w, res, created, err)
}

func (h *handler) batchUpdate(w http.ResponseWriter, r *http.Request) {
	var recs []telemetry.Record
	if err := decodeBody(r, &recs); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.deps.Batch.Update(r.Context(), recs)
	h.batchReply(w, res, nil, err)
}

func (h *handler) batchQuery(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, recs, err := h.deps.Batch.Query(r.Context(), req.IDs)
	h.batchReply(w, res, recs, err)
}

func (h *handler) batchDelete(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.deps.Batch.Delete(r.Context(), req.IDs)
	h.batchReply(w, res, nil, err)
}

func (h *handler) batchDeleteRange(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	start, err := ParseTime(req.Start)
	if err != nil {
		h.fail(w, badRequest("start: %v", err))
		return
	}
	end, err := ParseTime(req.End)
	if err != nil {
		h.fail(w, badRequest("end: %v", err))
		return
	}
	if !start.Before(end) {
		h.fail(w, badRequest("start must be before end"))
		return
	}
	res, err := h.deps.Batch.DeleteByTimeRange(r.Context(), start, end)
	h.batchReply(w, res, nil, err)
}

func (h *handler) batchDeleteSources(w http.ResponseWriter, r *http.Request) {
	var req sourcesRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.deps.Batch.DeleteBySources(r.Context(), req.Sources)
	h.batchReply(w, res, nil, err)
}

func (h *handler) batchProcess(w http.ResponseWriter, r *http.Request) {
	var recs []telemetry.Record
	if err := decodeBody(r, &recs); err != nil {
		h.fail(w, err)
		return
	}
	res, out, err := h.deps.Batch.Process(r.Context(), recs)
	h.batchReply(w, res, out, err)
}

func (h *handler) batchReply(w http.ResponseWriter, res batch.Result, recs []telemetry.Record, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Result: res, Records: recs})
}
