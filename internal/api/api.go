// Package api exposes the digest backend over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/digests"
)

// Passer runs one scheduling pass. scheduler.Scheduler implements it.
type Passer interface {
	Pass(ctx context.Context) (int, error)
}

type Recorder interface {
	RecordAdded(plugin string)
	BackendError(op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAdded(string)  {}
func (nopRecorder) BackendError(string) {}

type Handler struct {
	backend digests.Backend
	passer  Passer
	clock   clock.Clock
	rec     Recorder
}

func New(b digests.Backend, p Passer, clk clock.Clock, rec Recorder) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Handler{backend: b, passer: p, clock: clk, rec: rec}
}

// Mount registers the digest routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/0/digests", func(r chi.Router) {
		r.Post("/schedule", h.Schedule)
		r.Post("/{key}/records", h.Add)
		r.Get("/{key}", h.Get)
		r.Delete("/{key}", h.Delete)
	})
}

type AddRequest struct {
	Value     json.RawMessage `json:"value"`
	Timestamp *float64        `json:"timestamp,omitempty"`
}

type AddResponse struct {
	Key       string  `json:"key"`
	Timestamp float64 `json:"timestamp"`
}

type RecordView struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp float64         `json:"timestamp"`
}

type DigestResponse struct {
	Key           string       `json:"key"`
	Count         int          `json:"count"`
	Start         float64      `json:"start,omitempty"`
	End           float64      `json:"end,omitempty"`
	LastScheduled float64      `json:"last_scheduled,omitempty"`
	InFlight      bool         `json:"in_flight"`
	Records       []RecordView `json:"records"`
}

type ScheduleResponse struct {
	Delivered int `json:"delivered"`
}

func keyParam(r *http.Request) string {
	raw := chi.URLParam(r, "key")
	if k, err := url.PathUnescape(raw); err == nil {
		return k
	}
	return raw
}

// Add handles POST /api/0/digests/{key}/records
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body could not be read")
		return
	}
	var req AddRequest
	if err := sonic.Unmarshal(body, &req); err != nil || len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "expected {\"value\": ..., \"timestamp\": ...}")
		return
	}

	ts := digests.ToTimestamp(h.clock.Now())
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	record := digests.RawRecord{Key: key, Value: []byte(req.Value), Timestamp: ts}
	if err := h.backend.Add(r.Context(), key, record); err != nil {
		h.fail(w, r, "add", err)
		return
	}
	h.rec.RecordAdded(digests.PluginOf(key))
	writeJSON(w, http.StatusAccepted, AddResponse{Key: key, Timestamp: ts})
}

// Get handles GET /api/0/digests/{key}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.backend.Digest(r.Context(), keyParam(r))
	if err != nil {
		h.fail(w, r, "digest", err)
		return
	}
	resp := DigestResponse{
		Key:           d.Key,
		Count:         d.Count,
		Start:         d.Start,
		End:           d.End,
		LastScheduled: d.LastScheduled,
		InFlight:      d.InFlight,
		Records:       make([]RecordView, 0, len(d.Records)),
	}
	for _, rec := range d.Records {
		resp.Records = append(resp.Records, RecordView{Key: rec.Key, Value: json.RawMessage(rec.Value), Timestamp: rec.Timestamp})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/0/digests/{key}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Delete(r.Context(), keyParam(r)); err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Schedule handles POST /api/0/digests/schedule
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	if h.passer == nil {
		writeError(w, http.StatusNotImplemented, "scheduler_disabled", "scheduler is not enabled")
		return
	}
	n, err := h.passer.Pass(r.Context())
	if err != nil {
		h.fail(w, r, "schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{Delivered: n})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, digests.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
	case errors.Is(err, digests.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
	case digests.IsUnavailable(err):
		h.rec.BackendError(op)
		hlog.FromRequest(r).Error().Err(err).Str("op", op).Msg("digest backend unavailable")
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "digest backend unavailable")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("op", op).Msg("digest request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = msg
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
