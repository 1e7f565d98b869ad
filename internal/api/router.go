/**
 * @description
 * This file sets up the HTTP router for the transfer-service. Every transfer endpoint lives
 * under /transfers and requires both the internal API key (when configured) and a session
 * token identifying the caller.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser callers.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials the router enforces.
type RouterConfig struct {
	InternalAPIKey   string
	SessionJWTSecret string
}

// NewRouter creates a new Chi router and registers the transfer routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/transfers", func(r chi.Router) {
		r.Use(h.requestLogger)
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Use(SessionAuthMiddleware(cfg.SessionJWTSecret))

		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/verify/{accountNumber}", h.VerifyAccountHandler)
		r.Get("/accounts/{accountID}/transactions", h.AccountHistoryHandler)
		r.Post("/limits/check", h.CheckLimitsHandler)

		r.Post("/prepare", h.PrepareHandler)
		r.Post("/execute", h.ExecuteHandler)
		r.Get("/requests/{requestID}", h.RequestStatusHandler)

		r.Get("/beneficiaries", h.ListBeneficiariesHandler)
		r.Post("/beneficiaries", h.RegisterBeneficiaryHandler)
		r.Delete("/beneficiaries/{accountNumber}", h.RemoveBeneficiaryHandler)
	})

	return r
}
