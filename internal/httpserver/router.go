package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the handler into a chi router. The initiator-facing routes
// go through the tenant middleware; the health and sweeper endpoints do not,
// so infrastructure can reach them without a partnership domain.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Post("/internal/operations/expire", h.Expire)

	r.Group(func(r chi.Router) {
		r.Use(h.Tenant)
		r.Post("/v1/check", h.Check)
		r.Post("/v1/payment", h.Payment)
	})

	return r
}
