package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/events"
)

// EventsHandler replays the event stream and lists the audit log.
type EventsHandler struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler. Either source may be nil.
func NewEventsHandler(bus domain.SignalBus, audit domain.AuditStore, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, audit: audit, logger: logger.With(slog.String("handler", "events"))}
}

type streamEntry struct {
	ID       string          `json:"id"`
	Envelope events.Envelope `json:"envelope"`
}

type streamResponse struct {
	Events []streamEntry `json:"events"`
	// Next is the id to pass as after to continue reading.
	Next string `json:"next"`
}

// ListEvents returns signed events after a stream id.
// GET /api/events?after=0&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	msgs, err := h.bus.StreamRead(r.Context(), events.Stream, after, limit)
	if err != nil {
		writeEngineError(w, r, h.logger, "list events", err)
		return
	}
	out := streamResponse{Events: make([]streamEntry, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		var env events.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping malformed stream entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out.Events = append(out.Events, streamEntry{ID: m.ID, Envelope: env})
		out.Next = m.ID
	}
	writeJSON(w, http.StatusOK, out)
}

type auditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt string         `json:"created_at"`
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *EventsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeEngineError(w, r, h.logger, "list audit", err)
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeEngineError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntry{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
