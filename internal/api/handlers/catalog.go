package handlers

import (
	"net/http"

	"github.com/modelbridge/modelbridge/internal/registry"
)

// ListProvidersHandler returns all catalog providers.
func ListProvidersHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := reg.ListProviders()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list providers: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"providers": providers,
			"count":     len(providers),
		})
	}
}

// ListModelsHandler returns catalog models, optionally filtered by provider
// id and/or restricted to connected providers (?connected=true).
func ListModelsHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := r.URL.Query().Get("provider")
		connectedOnly := r.URL.Query().Get("connected") == "true"

		rows, err := reg.ListModels(providerID, connectedOnly)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list models: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"models": rows,
			"count":  len(rows),
		})
	}
}
