package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/edurange/termbridge/internal/execstream"
	"github.com/edurange/termbridge/internal/logutil"
	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/wire"
)

// maxCloseReason is the longest reason a websocket close frame can carry.
const maxCloseReason = 120

func queryDim(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func (h *Handler) bind(connID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachments[connID] = sessionID
}

func (h *Handler) unbind(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attachments, connID)
}

func (h *Handler) attachedSession(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.attachments[connID]
	return id, ok
}

// Attach serves a Direct Attach connection: a websocket spliced onto a new
// session for the connection's lifetime.
//
// Query parameters: target (required), container, cols, rows.
//
// After a single text message carrying wire.AttachInfo, every message in
// both directions is binary raw terminal bytes. Resize goes through
// AttachResize, addressed by the connection id from AttachInfo.
func (h *Handler) Attach(w http.ResponseWriter, r *http.Request) {
	target := execstream.Target{
		Workload:  r.URL.Query().Get("target"),
		Container: r.URL.Query().Get("container"),
	}
	dims := session.Dimensions{Cols: queryDim(r, "cols", 80), Rows: queryDim(r, "rows", 24)}

	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("[attach] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	if target.Workload == "" {
		conn.Close(wire.CloseBadRequest, "target is required")
		return
	}

	ctx := r.Context()
	info, err := h.registry.Create(ctx, target, dims, session.DirectAttach)
	if err != nil {
		if errors.Is(err, session.ErrInvalidDimensions) {
			conn.Close(wire.CloseBadRequest, "cols and rows must be positive")
			return
		}
		conn.Close(wire.CloseTargetUnreachable, "Target unreachable")
		return
	}
	// Closing either end closes the other.
	defer h.registry.Close(info.ID)

	connID := uuid.New().String()
	h.bind(connID, info.ID)
	defer h.unbind(connID)

	log.Printf("[attach] connection %s attached to session %s (%s)", connID, info.ID,
		logutil.SanitizeForLog(logutil.Target(target.Workload, target.Container)))

	conn.SetReadLimit(session.MaxInputSize)

	hello, _ := json.Marshal(wire.AttachInfo{
		Type:         wire.AttachInfoType,
		SessionID:    info.ID,
		ConnectionID: connID,
		Cols:         info.Dims.Cols,
		Rows:         info.Dims.Rows,
	})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}

	sub, err := h.registry.Subscribe(info.ID, 0)
	if err != nil {
		conn.Close(wire.CloseSessionGone, "Session closed")
		return
	}
	defer sub.Close()

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if len(reason) > maxCloseReason {
				reason = reason[:maxCloseReason]
			}
			conn.Close(code, reason)
		})
	}

	// Shell -> client
	go func() {
		defer relayCancel()
		for {
			f, err := sub.Next(relayCtx)
			if err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					reason := sub.CloseReason()
					if reason == session.ReasonExited {
						closeConn(websocket.StatusNormalClosure, reason)
					} else {
						closeConn(wire.CloseSessionGone, reason)
					}
				}
				return
			}
			if err := conn.Write(relayCtx, websocket.MessageBinary, f.Data); err != nil {
				return
			}
		}
	}()

	// A Direct Attach client sends nothing while the user is idle, so a
	// successful ping is what keeps the session clear of the idle sweep.
	go func() {
		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(relayCtx, h.keepalive)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					relayCancel()
					return
				}
				h.registry.Touch(info.ID)
			}
		}
	}()

	// Client -> shell
	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		if err := h.registry.Input(info.ID, data); err != nil {
			break
		}
	}

	closeConn(websocket.StatusNormalClosure, "")
	log.Printf("[attach] connection %s detached", connID)
}

// AttachResize is the Direct Attach resize side channel.
func (h *Handler) AttachResize(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.attachedSession(chi.URLParam(r, "connId"))
	if !ok {
		writeError(w, http.StatusNotFound, wire.CodeSessionNotFound, "Connection not found")
		return
	}

	var req wire.ResizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, "Invalid request body")
		return
	}
	if err := h.registry.Resize(sessionID, session.Dimensions{Cols: req.Cols, Rows: req.Rows}); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
