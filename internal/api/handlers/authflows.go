package handlers

import (
	"errors"
	"net/http"

	"github.com/modelbridge/modelbridge/internal/authflow"
	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/registry"
)

// GetAuthFlowHandler returns the current flow snapshot for a provider,
// building an idle one when none exists.
func GetAuthFlowHandler(flows *authflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := r.URL.Query().Get("provider")
		if providerID == "" {
			WriteError(w, http.StatusBadRequest, "provider is required")
			return
		}
		snap, err := flows.GetFlow(r.Context(), providerID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load auth flow: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// OpenAuthWindowHandler opens (or refocuses) the interactive auth popup.
func OpenAuthWindowHandler(flows *authflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProviderID string `json:"providerID"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.ProviderID == "" {
			WriteError(w, http.StatusBadRequest, "providerID is required")
			return
		}
		snap, err := flows.OpenWindow(r.Context(), body.ProviderID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to open auth window: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// StartAuthFlowHandler runs one authorization attempt to completion and
// returns the terminal snapshot. A concurrent start for the same provider
// gets 409.
func StartAuthFlowHandler(flows *authflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input authflow.StartInput
		if !DecodeJSON(w, r, &input) {
			return
		}
		if input.ProviderID == "" || input.MethodID == "" {
			WriteError(w, http.StatusBadRequest, "providerID and methodID are required")
			return
		}
		snap, err := flows.Start(r.Context(), input)
		if err != nil {
			if errors.Is(err, authflow.ErrFlowActive) {
				WriteError(w, http.StatusConflict, "%v", err)
				return
			}
			WriteError(w, http.StatusBadRequest, "failed to start auth flow: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// CancelAuthFlowHandler cancels an in-flight flow. No-op when the flow is
// absent or already terminal.
func CancelAuthFlowHandler(flows *authflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProviderID string `json:"providerID"`
			Reason     string `json:"reason"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.ProviderID == "" {
			WriteError(w, http.StatusBadRequest, "providerID is required")
			return
		}
		flows.Cancel(body.ProviderID, body.Reason)
		WriteJSON(w, http.StatusOK, map[string]interface{}{"providerID": body.ProviderID, "canceled": true})
	}
}

// WindowClosedHandler reports that an auth popup was closed by the user.
func WindowClosedHandler(flows *authflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WindowID int `json:"windowID"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		flows.HandleWindowClosed(body.WindowID)
		WriteJSON(w, http.StatusOK, map[string]interface{}{"windowID": body.WindowID})
	}
}

// DisconnectProviderHandler removes the provider credential and rebuilds its
// catalog slice so connected-derived state stays accurate.
func DisconnectProviderHandler(auth *authstore.Store, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProviderID string `json:"providerID"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.ProviderID == "" {
			WriteError(w, http.StatusBadRequest, "providerID is required")
			return
		}
		if err := auth.Remove(body.ProviderID); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to disconnect: %v", err)
			return
		}
		if err := reg.RefreshProvider(r.Context(), body.ProviderID); err != nil {
			WriteError(w, http.StatusInternalServerError, "disconnected but catalog refresh failed: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"providerID": body.ProviderID, "connected": false})
	}
}
