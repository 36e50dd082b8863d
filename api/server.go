/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Identity:   Forwarded user into the request context

  Write routes additionally require a forwarded user (RequireActor).

ROUTE GROUPS:
  /api/budget-items/*     Budget items and ledger entries
  /api/amendments/*       Allocation changes
  /api/transfers/*        Paired transfer rows
  /api/purchase-orders/*  PO lifecycle and reconciliation summary
  /api/receipts/*         Receipt mirror, linking, suggestions
  /api/scenarios/*        Demo scenarios (dev only)
  /*                      Static files (frontend), when configured

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterOptions struct {
	AllowedOrigins []string
	// StaticDir, when set and present on disk, is served as a single-page app.
	StaticDir string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderUserName, HeaderUserRole},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))
	r.Use(Identity)

	r.Route("/api", func(r chi.Router) {
		r.Get("/policy", h.GetPolicy)

		r.Route("/budget-items", func(r chi.Router) {
			r.Get("/", h.ListBudgetItems)
			r.Get("/{id}", h.GetBudgetItem)
			r.Get("/{id}/entries", h.ListEntries)
			r.With(RequireActor).Post("/", h.CreateBudgetItem)
			r.With(RequireActor).Delete("/{id}", h.DeleteBudgetItem)
		})

		r.Route("/amendments", func(r chi.Router) {
			r.Get("/", h.ListAmendments)
			r.Get("/{id}", h.GetAmendment)
			r.With(RequireActor).Post("/", h.CreateAmendment)
		})
		r.Get("/transfers/{id}", h.GetTransfer)

		r.Route("/purchase-orders", func(r chi.Router) {
			r.Get("/", h.ListPurchaseOrders)
			r.Get("/{id}", h.GetPurchaseOrder)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/reconciliation", h.GetReconciliation)

			r.Group(func(r chi.Router) {
				r.Use(RequireActor)
				r.Post("/", h.CreatePurchaseOrder)
				r.Put("/{id}/lines", h.SaveLineItems)
				r.Post("/{id}/submit", h.SubmitPurchaseOrder)
				r.Post("/{id}/transition", h.TransitionPurchaseOrder)
			})
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", h.ListReceipts)
			r.Get("/{id}", h.GetReceipt)
			r.Get("/{id}/suggestions", h.SuggestPurchaseOrders)

			r.Group(func(r chi.Router) {
				r.Use(RequireActor)
				r.Post("/", h.RegisterReceipt)
				r.Post("/{id}/link", h.LinkReceipt)
				r.Delete("/{id}/link", h.UnlinkReceipt)
			})
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if opts.StaticDir != "" {
		if _, err := os.Stat(opts.StaticDir); err == nil {
			staticDir := opts.StaticDir
			fileServer := http.FileServer(http.Dir(staticDir))
			r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
				fullPath := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
				if _, err := os.Stat(fullPath); os.IsNotExist(err) {
					// SPA routing: serve index.html
					http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
					return
				}
				fileServer.ServeHTTP(w, r)
			})
		}
	}

	return r
}
