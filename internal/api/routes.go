package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestTimeout bounds every non-streaming request handled by Routes.
const RequestTimeout = 15 * time.Second

func (h *Handler) Routes(m *Middleware, metricsHandler http.Handler, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(m.CORS(corsOrigins))

	// Streaming responses need the raw writer, so compression and the
	// timeout only wrap request/response routes.
	bounded := func(r chi.Router) {
		r.Use(m.Compress)
		r.Use(m.Timeout(RequestTimeout))
	}

	// Health endpoints
	r.Group(func(r chi.Router) {
		bounded(r)
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)
		if metricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", metricsHandler)
		}
	})

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(m.RateLimit(rateLimitRPM))

		r.Group(func(r chi.Router) {
			bounded(r)

			// JSON-RPC endpoint
			r.Post("/jsonrpc", h.HandleJSONRPC)

			r.Route("/kv", func(r chi.Router) {
				r.Delete("/", h.Clear)
				r.Post("/remove", h.RemoveMany)
				r.Get("/{key}", h.GetValue)
				r.Put("/{key}", h.PutValue)
				r.Delete("/{key}", h.DeleteValue)
			})
		})

		// Change streams
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWebSocket)
		}
		if h.sse != nil {
			r.Get("/events", h.sse.HandleSSE)
		}
	})

	return r
}
