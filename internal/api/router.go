// Package api assembles the RPC boundary router: the JSON operations the
// UI and content-script layers call, guarded by the stored API key.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/modelbridge/modelbridge/internal/api/handlers"
	"github.com/modelbridge/modelbridge/internal/api/middleware"
	"github.com/modelbridge/modelbridge/internal/authflow"
	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/gateway"
	"github.com/modelbridge/modelbridge/internal/permissions"
	"github.com/modelbridge/modelbridge/internal/registry"
	"github.com/modelbridge/modelbridge/internal/version"
	"gorm.io/gorm"
)

// Deps carries the subsystems the router exposes.
type Deps struct {
	DB          *gorm.DB
	Registry    *registry.Registry
	Auth        *authstore.Store
	Permissions *permissions.Engine
	Flows       *authflow.Manager
	Gateway     *gateway.Gateway
	Bus         *events.Bus
}

// NewRouter builds the chi router for the RPC boundary.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version.Version,
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.DB))

		// Catalog
		r.Get("/providers", handlers.ListProvidersHandler(d.Registry))
		r.Get("/models", handlers.ListModelsHandler(d.Registry))

		// Permissions
		r.Get("/origin", handlers.OriginStateHandler(d.Permissions))
		r.Get("/permissions", handlers.ListPermissionsHandler(d.Permissions))
		r.Get("/permissions/pending", handlers.ListPendingHandler(d.Permissions))
		r.Post("/permissions/origin", handlers.UpdateOriginHandler(d.Permissions))
		r.Post("/permissions/model", handlers.UpdateModelPermissionHandler(d.Permissions))
		r.Post("/permissions/requests", handlers.PermissionRequestHandler(d.Permissions))
		r.Post("/permissions/reset", handlers.ResetOriginHandler(d.Permissions))

		// Auth flows
		r.Get("/auth/flow", handlers.GetAuthFlowHandler(d.Flows))
		r.Post("/auth/window", handlers.OpenAuthWindowHandler(d.Flows))
		r.Post("/auth/window-closed", handlers.WindowClosedHandler(d.Flows))
		r.Post("/auth/start", handlers.StartAuthFlowHandler(d.Flows))
		r.Post("/auth/cancel", handlers.CancelAuthFlowHandler(d.Flows))
		r.Post("/auth/disconnect", handlers.DisconnectProviderHandler(d.Auth, d.Registry))

		// Model invocation
		r.Post("/models/acquire", handlers.AcquireModelHandler(d.Registry, d.Permissions))
		r.Post("/models/generate", handlers.GenerateHandler(d.Gateway, d.Permissions))
		r.Post("/models/stream", handlers.StreamHandler(d.Gateway, d.Permissions))
		r.Post("/models/abort", handlers.AbortHandler(d.Gateway))

		// Change notifications
		r.Get("/events", handlers.EventsHandler(d.Bus))

		// API key management
		r.Get("/config/apikey", handlers.GetAPIKeyHandler(d.DB))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(d.DB))
	})

	return r
}
