// Package handlers exposes the session registry over HTTP: the
// Session-Relay calls, the Direct Attach websocket and its resize side
// channel, and a few read-only views.
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/wire"
)

// HistoryLister serves closed and open session history.
type HistoryLister interface {
	ListHistory(target string, limit int) ([]wire.HistoryEntry, error)
}

type Options struct {
	// History is nil when history is disabled.
	History HistoryLister
	// Backend is reported by the health check.
	Backend string
	// AllowedOrigins are websocket origin patterns. Empty accepts any origin.
	AllowedOrigins []string
	// KeepaliveInterval spaces SSE comments and websocket pings.
	KeepaliveInterval time.Duration
}

const defaultKeepalive = 15 * time.Second

// Handler holds the dependencies shared by every route.
type Handler struct {
	registry  *session.Registry
	history   HistoryLister
	backend   string
	origins   []string
	keepalive time.Duration

	mu          sync.Mutex
	attachments map[string]string // connection id -> session id
}

func New(registry *session.Registry, opts Options) *Handler {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}
	return &Handler{
		registry:    registry,
		history:     opts.History,
		backend:     opts.Backend,
		origins:     opts.AllowedOrigins,
		keepalive:   opts.KeepaliveInterval,
		attachments: make(map[string]string),
	}
}

// Router mounts every route on a fresh chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/history", h.ListHistory)

		r.Get("/sessions/{id}", h.SessionStatus)
		r.Delete("/sessions/{id}", h.CloseSession)
		r.Post("/sessions/{id}/close", h.CloseSession)
		r.Post("/sessions/{id}/input", h.SendInput)
		r.Post("/sessions/{id}/resize", h.ResizeSession)
		r.Post("/sessions/{id}/heartbeat", h.Heartbeat)
		r.Post("/sessions/{id}/ping", h.Ping)
		r.Post("/sessions/{id}/measurements", h.ReportMeasurement)
		r.Get("/sessions/{id}/events", h.StreamEvents)
		r.Get("/sessions/{id}/recording", h.ExportRecording)

		r.Get("/attach", h.Attach)
		r.Post("/attach/{connId}/resize", h.AttachResize)
	})
	return r
}
