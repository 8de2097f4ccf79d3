package sse

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouteMiddleware holds the optional middleware applied to gateway routes.
type RouteMiddleware struct {
	// Principal resolves the caller on every route.
	Principal func(http.Handler) http.Handler
	// RequireAuth additionally guards publish.
	RequireAuth func(http.Handler) http.Handler
	// Limit guards the endpoints that create sessions, queue work or publish.
	Limit func(http.Handler) http.Handler
}

// RegisterRoutes mounts the gateway endpoints under /sse-gateway.
// /listen has no timeout middleware.
func RegisterRoutes(r chi.Router, handler *Handler, mw RouteMiddleware) {
	r.Route("/sse-gateway", func(r chi.Router) {
		if mw.Principal != nil {
			r.Use(mw.Principal)
		}

		r.Get("/listen/{clientId}", handler.HandleListen)
		r.Get("/ping", handler.HandlePing)

		r.Group(func(r chi.Router) {
			if mw.Limit != nil {
				r.Use(mw.Limit)
			}
			r.Get("/connect", handler.HandleConnect)
			r.Post("/configure", handler.HandleConfigure)
			if !handler.PublishEnabled() {
				return
			}
			if mw.RequireAuth != nil {
				r.With(mw.RequireAuth).Post("/publish/{channel}", handler.HandlePublish)
			} else {
				r.Post("/publish/{channel}", handler.HandlePublish)
			}
		})
	})
}
