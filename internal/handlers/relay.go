package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edurange/termbridge/internal/execstream"
	"github.com/edurange/termbridge/internal/logutil"
	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/wire"
)

// CreateSession opens a Session-Relay session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "Invalid request body")
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "target is required")
		return
	}

	info, err := h.registry.Create(r.Context(),
		execstream.Target{Workload: req.Target, Container: req.Container},
		session.Dimensions{Cols: req.Cols, Rows: req.Rows},
		session.SessionRelay)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info.Wire())
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()
	out := make([]wire.SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "", "Session history is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.history.ListHistory(r.URL.Query().Get("target"), limit)
	if err != nil {
		log.Printf("[relay] list history: %v", err)
		writeError(w, http.StatusInternalServerError, "", "Failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// SessionStatus never fails: unknown sessions report alive=false.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	info, _ := h.registry.Status(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, info.Wire())
}

// CloseSession is idempotent and always succeeds. It is served on both
// DELETE and POST so that page-unload beacons can reach it.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	h.registry.Close(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// SendInput writes the raw request body to the session's shell.
func (h *Handler) SendInput(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, session.MaxInputSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "Failed to read input")
		return
	}
	if err := h.registry.Input(chi.URLParam(r, "id"), data); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResizeSession(w http.ResponseWriter, r *http.Request) {
	var req wire.ResizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "Invalid request body")
		return
	}
	err := h.registry.Resize(chi.URLParam(r, "id"), session.Dimensions{Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Heartbeat(chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	now, err := h.registry.Ping(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.PingResponse{ServerTime: wire.UnixMillis(now)})
}

// ReportMeasurement accepts RTT reports. Unknown, stale and duplicate
// reports are dropped silently.
func (h *Handler) ReportMeasurement(w http.ResponseWriter, r *http.Request) {
	var m wire.Measurement
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "Invalid request body")
		return
	}
	h.registry.Report(chi.URLParam(r, "id"), m)
	w.WriteHeader(http.StatusNoContent)
}

// resumePoint picks the sequence to replay after: a reconnecting
// EventSource sends Last-Event-ID, other clients pass ?from=.
func resumePoint(r *http.Request) uint64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			return seq
		}
	}
	seq, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	return seq
}

// StreamEvents subscribes to the session's output as server-sent events.
// The stream ends with a "closed" event when the session closes or a newer
// subscription replaces this one.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "", "Streaming not supported")
		return
	}

	sub, err := h.registry.Subscribe(id, resumePoint(r))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		nextCtx, cancel := context.WithTimeout(ctx, h.keepalive)
		f, err := sub.Next(nextCtx)
		cancel()

		switch {
		case err == nil:
			if err := wire.WriteEvent(w, f); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := wire.WriteComment(w, "keepalive"); err != nil {
				return
			}
		case errors.Is(err, session.ErrSessionClosed):
			wire.WriteEvent(w, wire.Frame{Type: wire.FrameClosed, Reason: sub.CloseReason()})
			flusher.Flush()
			return
		case errors.Is(err, session.ErrSuperseded):
			log.Printf("[relay] subscription to %s superseded", logutil.SanitizeForLog(id))
			wire.WriteEvent(w, wire.Frame{Type: wire.FrameClosed, Reason: "superseded"})
			flusher.Flush()
			return
		default:
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) ExportRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.registry.Recording(id)
	if errors.Is(err, session.ErrRecordingDisabled) {
		writeError(w, http.StatusNotFound, "", "Recording is disabled")
		return
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+id+".cast\"")
	w.WriteHeader(http.StatusOK)
	if err := rec.WriteCast(w); err != nil {
		log.Printf("[relay] export recording %s: %v", logutil.SanitizeForLog(id), err)
	}
}
