/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:      Request logging
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. RequestID:   Unique ID per request for tracing
  4. instrument:  Prometheus request counters and latency
  5. CORS:        Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz              Liveness and store ping
  /metrics              Prometheus scrape endpoint
  /api/*                Bearer token required
  /api/admin/*          Bearer token with role=admin
  /api/dev/*            Token issuing and scenarios (dev mode only, no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token validation
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth           *Authenticator
	ClaimLimiter   *ClaimLimiter
	AllowedOrigins []string
	DevMode        bool
	Health         Pinger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(instrument)
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.DevMode {
			r.Route("/dev", func(r chi.Router) {
				r.Post("/token", h.IssueToken)
				r.Get("/scenarios", h.ListScenarios)
				r.Get("/scenarios/current", h.GetCurrentScenario)
				r.Post("/scenarios/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.Middleware)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", h.ListSessions)
				r.Get("/{id}", h.GetSession)
				r.Get("/{id}/availability", h.GetAvailability)
				r.Post("/{id}/items/{itemID}/commit", h.CommitSeat)
			})

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Get("/ledger", h.ListLedger)
				r.Post("/ledger", h.AddToLedger)
				r.Post("/reservations", h.ReserveItems)
				r.Get("/balance", h.GetBalance)
				r.Get("/receipts", h.ListReceipts)
				r.Post("/receipts", h.SubmitReceipt)
				r.With(opts.ClaimLimiter.Middleware).Post("/coupons/claim", h.ClaimCoupon)
			})

			r.Delete("/items/{id}", h.CancelItem)
			r.Post("/coupons/{id}/release", h.ReleaseCoupon)
			r.Get("/receipts/{id}", h.GetReceipt)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Post("/sessions", h.CreateSession)
				r.Get("/coupons", h.ListCoupons)
				r.Post("/coupons", h.CreateCoupon)
				r.Post("/coupons/{id}/disable", h.DisableCoupon)
				r.Get("/receipts/pending", h.PendingReceipts)
				r.Post("/receipts/{id}/verify", h.VerifyReceipt)
				r.Post("/receipts/{id}/deny", h.DenyReceipt)
				r.Put("/profiles/{userID}", h.SetProfile)
				r.Post("/expiry/run", h.RunExpiry)
				r.Get("/activity", h.ListActivity)
			})
		})
	})

	return r
}
