/**
 * @description
 * This file sets up the HTTP router for the egg-service management API. Moderator
 * tooling and the dashboard use it to inspect balances, run administrative
 * adjustments and merges, manage pools, and edit chat commands.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the browser dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the chi router for the management API.
func NewRouter(h *Handlers, internalKey string, jwks *JWKSCache) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", "X-Actor"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(internalKey, jwks))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/leaderboard", h.handleLeaderboard)
			r.Get("/stats", h.handleStats)
			r.Get("/lookup", h.handleLookup)
			r.Post("/register", h.handleRegister)
			r.Get("/merge/preview", h.handleMergePreview)
			r.Post("/merge", h.handleMerge)
			r.Get("/{key}/rank", h.handleRank)
			r.Get("/{key}/transactions", h.handleAccountTransactions)
			r.Post("/{key}/adjust", h.handleAdjustAccount)
		})

		r.Route("/pools", func(r chi.Router) {
			r.Get("/", h.handleListPools)
			r.Post("/", h.handleCreatePool)
			r.Get("/{name}", h.handleGetPool)
			r.Post("/{name}/donate", h.handleDonate)
			r.Post("/{name}/deactivate", h.handleDeactivatePool)
			r.Post("/{name}/adjust", h.handleAdjustPool)
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/", h.handleListCommands)
			r.Post("/", h.handleCreateCommand)
			r.Post("/refresh", h.handleRefreshCommands)
			r.Get("/{id}", h.handleGetCommand)
			r.Put("/{id}", h.handleUpdateCommand)
			r.Delete("/{id}", h.handleDeleteCommand)
		})
	})

	return r
}
