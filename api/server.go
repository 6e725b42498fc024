/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontends

ROUTE GROUPS:
  /api/repairs/*        Repair lifecycle, quotes, slots, forfeiture
  /api/accounts/*       Prepaid credit accounts
  /api/commissions/*    Settlement ledger
  /api/loyalty/*        Loyalty cards
  /api/centri/*         Per-Centro settings and views
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins are the local admin frontends.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Repair routes
		r.Route("/repairs", func(r chi.Router) {
			r.Get("/", h.ListRepairs)
			r.Post("/", h.CreateRepair)
			r.Get("/{id}", h.GetRepair)
			r.Post("/{id}/advance", h.AdvanceRepair)
			r.Get("/{id}/timeline", h.GetTimeline)
			r.Get("/{id}/forfeiture", h.GetForfeiture)
			r.Get("/{id}/quote", h.GetQuote)
			r.Put("/{id}/quote", h.PutQuote)
			r.Post("/{id}/quote/reject", h.RejectQuote)
			r.Post("/{id}/slot", h.AssignSlot)
			r.Delete("/{id}/slot", h.ReleaseSlot)
		})

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/{kind}/{id}", h.GetAccount)
			r.Get("/{kind}/{id}/transactions", h.GetTransactions)
			r.Post("/{kind}/{id}/topups", h.CreateTopup)
			r.Post("/{kind}/{id}/adjustments", h.CreateAdjustment)
		})

		// Commission routes
		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", h.ListCommissions)
			r.Get("/owed", h.GetOwed)
			r.Post("/preview", h.PreviewSplit)
			r.Get("/{id}", h.GetCommission)
			r.Post("/{id}/paid", h.MarkCommissionPaid)
		})

		// Loyalty routes
		r.Route("/loyalty", func(r chi.Router) {
			r.Post("/cards", h.ActivateCard)
			r.Get("/cards/{id}", h.GetCard)
			r.Post("/cards/{id}/confirm", h.ConfirmCardPayment)
			r.Get("/cards/{id}/usages", h.ListUsages)
			r.Post("/cards/{id}/usages", h.RecordUsage)
			r.Get("/customers/{customer}/centri/{centro}/active", h.GetActiveCard)
			r.Get("/customers/{customer}/centri/{centro}/benefits", h.GetBenefits)
		})

		// Centro routes
		r.Route("/centri/{id}", func(r chi.Router) {
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)
			r.Get("/config", h.GetConfig)
			r.Get("/slots", h.GetOccupancy)
			r.Get("/forfeiture", h.ListForfeitable)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/forfeiture-scan", h.TriggerForfeitureScan)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
