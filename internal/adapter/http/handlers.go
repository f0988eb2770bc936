package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/synchub/internal/adapter/ws"
	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/middleware"
	"github.com/Strob0t/synchub/internal/port/changefeed"
	"github.com/Strob0t/synchub/internal/port/eventlog"
	"github.com/Strob0t/synchub/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Handlers holds the services behind the HTTP API. Bridge, Delivery,
// Changes, Storage and Log are optional.
type Handlers struct {
	Producer *service.Producer
	Engine   *service.Engine
	Sockets  *ws.Registry
	Bridge   *service.Bridge
	Delivery *service.NotificationService
	Changes  *service.ChangeDetector
	Storage  changefeed.Storage
	Log      eventlog.Log
}

type createEventRequest struct {
	TableName string          `json:"table_name"`
	Operation string          `json:"operation"`
	RecordID  string          `json:"record_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// CreateEvent handles POST /api/v1/events
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createEventRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.TableName, "table_name") || !requireField(w, req.Operation, "operation") {
		return
	}
	if req.UserID == "" {
		req.UserID = middleware.UserFromContext(r.Context())
	}

	ev, err := h.Producer.CreateEvent(r.Context(), req.TableName, req.Operation, req.RecordID, req.Data, req.UserID)
	if err != nil {
		writeDomainError(w, err, "event rejected")
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

type instantNotificationRequest struct {
	UserID  string          `json:"user_id"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type instantNotificationResponse struct {
	Sent int `json:"sent"`
}

// SendNotification handles POST /api/v1/notifications
func (h *Handlers) SendNotification(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[instantNotificationRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.UserID, "user_id") || !requireField(w, req.Title, "title") {
		return
	}

	sent, err := h.Producer.SendInstantNotification(r.Context(), req.UserID, req.Title, req.Message, req.Data)
	if err != nil {
		writeDomainError(w, err, "notification rejected")
		return
	}
	writeJSON(w, http.StatusOK, instantNotificationResponse{Sent: sent})
}

type statsResponse struct {
	service.Statistics
	Bridge    *service.BridgeStats `json:"bridge,omitempty"`
	Notifiers map[string]string    `json:"notifiers,omitempty"`
	InFlight  int                  `json:"deliveries_in_flight"`
	Watched   []string             `json:"watched_entities,omitempty"`
}

// Stats handles GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Statistics: h.Engine.Statistics(r.Context())}
	if h.Bridge != nil {
		st := h.Bridge.Stats()
		resp.Bridge = &st
	}
	if h.Delivery != nil {
		resp.Notifiers = h.Delivery.BreakerStates()
		resp.InFlight = h.Delivery.InFlight()
	}
	if h.Changes != nil {
		resp.Watched = h.Changes.Watched()
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecentEvents handles GET /api/v1/events/recent?limit=N
func (h *Handlers) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.Log == nil {
		writeJSON(w, http.StatusOK, []event.SyncEvent{})
		return
	}
	limit := queryInt(r, "limit", 50, 1000)
	events, err := h.Log.Recent(r.Context(), int64(limit))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if events == nil {
		events = []event.SyncEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListWatched handles GET /api/v1/changefeed/entities
func (h *Handlers) ListWatched(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Changes.Watched())
}

type watchRequest struct {
	Entity string `json:"entity"`
}

// WatchEntity handles POST /api/v1/changefeed/entities
func (h *Handlers) WatchEntity(w http.ResponseWriter, r *http.Request) {
	if h.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, "change detection is disabled")
		return
	}
	req, ok := readJSON[watchRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Entity, "entity") {
		return
	}
	if err := h.Changes.Add(r.Context(), h.Storage, req.Entity); err != nil {
		writeDomainError(w, err, "entity rejected")
		return
	}
	writeJSON(w, http.StatusCreated, h.Changes.Watched())
}

// UnwatchEntity handles DELETE /api/v1/changefeed/entities/{entity}
func (h *Handlers) UnwatchEntity(w http.ResponseWriter, r *http.Request) {
	if !h.Changes.Unwatch(chi.URLParam(r, "entity")) {
		writeDomainError(w, domain.ErrNotFound, "entity not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthStatus struct {
	Status      string `json:"status"`
	Engine      string `json:"engine"`
	Bridge      string `json:"bridge"`
	Connections int    `json:"connections"`
	NodeID      string `json:"node_id"`
}

// Health handles GET /health. It reports 503 when the engine is stopped
// or the bridge backend is unreachable.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	status := healthStatus{
		Status:      "ok",
		Engine:      "running",
		Bridge:      "connected",
		Connections: h.Sockets.ConnectionCount(),
		NodeID:      h.Engine.NodeID(),
	}
	code := http.StatusOK
	if !h.Engine.IsRunning() {
		status.Engine = "stopped"
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	switch {
	case h.Bridge == nil:
		status.Bridge = "disabled"
	case !h.Bridge.Connected():
		status.Bridge = "disconnected"
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handlers) requireChanges(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Changes == nil {
			writeError(w, http.StatusServiceUnavailable, "change detection is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}
