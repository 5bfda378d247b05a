package api

import (
	"net/http"

	"github.com/costscope/webhookd/internal/engine"
	"github.com/costscope/webhookd/internal/ledger"
	"github.com/costscope/webhookd/internal/notify"
	"github.com/costscope/webhookd/internal/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the collaborator-facing HTTP surface around the
// delivery engine.
func NewRouter(svc *engine.Service, reg *registry.Registry, led *ledger.Ledger, hub *notify.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	subHandler := NewSubscriptionHandler(svc, reg)
	eventHandler := NewEventHandler(svc)
	deliveryHandler := NewDeliveryHandler(svc, led)

	// Delivery-outcome notifications
	r.Get("/ws", hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Post("/{id}/deactivate", subHandler.Deactivate)
			r.Delete("/{id}", subHandler.Remove)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Emit)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
			r.Post("/{id}/replay", deliveryHandler.Replay)
			r.Post("/purge", deliveryHandler.Purge)
		})

		r.Get("/stats", deliveryHandler.Stats)
	})

	return r
}
