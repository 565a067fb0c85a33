/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/schedules/*   Schedule previews
  /api/products      Loan products
  /api/loans/*       Loan servicing
  /api/events/*      Event allocation and cancellation
  /api/batch/*       Accrual and billing runs
  /api/companies/*   Company configuration
  /api/scenarios/*   Demo scenarios

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

// DefaultAllowedOrigins are the frontend origins allowed when none are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/schedules/preview", h.PreviewSchedule)
		r.Get("/products", h.ListProducts)

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.CreateLoan)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetLoan)
				r.Get("/schedule", h.GetSchedule)
				r.Get("/schedules", h.ListSchedules)
				r.Get("/demands", h.ListDemands)
				r.Post("/demands", h.GenerateDemands)
				r.Get("/accruals", h.ListAccruals)
				r.Post("/accruals", h.AccrueInterest)
				r.Get("/amounts", h.GetAmounts)
				r.Get("/events", h.ListEvents)
				r.Get("/journal", h.GetJournal)
				r.Post("/repayments", h.SubmitRepayment)
				r.Post("/charges", h.AddCharge)
				r.Post("/restructure", h.Restructure)
				r.Post("/repost", h.Repost)
			})
		})

		// Event routes
		r.Route("/events/{id}", func(r chi.Router) {
			r.Get("/allocation", h.GetAllocation)
			r.Post("/cancel", h.CancelEvent)
		})

		// Admin routes
		r.Post("/batch/run", h.RunBatch)
		r.Route("/companies/{id}", func(r chi.Router) {
			r.Get("/config", h.GetCompanyConfig)
			r.Put("/config", h.SetCompanyConfig)
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
