package handlers

import (
	"net/http"

	"github.com/modelbridge/modelbridge/internal/db"
	"gorm.io/gorm"
)

// GetAPIKeyHandler returns the current RPC API key.
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"apiKey": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler rotates the RPC API key and returns the new one.
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := db.RegenerateAPIKey(database)
		if key == "" {
			WriteError(w, http.StatusInternalServerError, "failed to regenerate API key")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"apiKey": key})
	}
}
