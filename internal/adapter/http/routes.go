package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the socket endpoint, the health probe and the
// producer API. api middleware applies to /api/v1 only.
func MountRoutes(r chi.Router, h *Handlers, api ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.Sockets.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(api...)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Producer API
		r.Post("/events", h.CreateEvent)
		r.Get("/events/recent", h.RecentEvents)
		r.Post("/notifications", h.SendNotification)

		// Monitoring
		r.Get("/stats", h.Stats)

		// Change detection
		r.Group(func(r chi.Router) {
			r.Use(h.requireChanges)
			r.Get("/changefeed/entities", h.ListWatched)
			r.Post("/changefeed/entities", h.WatchEntity)
			r.Delete("/changefeed/entities/{entity}", h.UnwatchEntity)
		})
	})
}
