package handlers

import (
	"net/http"
	"time"

	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/permissions"
)

// defaultWaitTimeout bounds a wait action when the caller does not supply
// its own timeout.
const defaultWaitTimeout = 60 * time.Second

// OriginStateHandler returns the enable flag and rules for one origin.
func OriginStateHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.URL.Query().Get("origin")
		if origin == "" {
			WriteError(w, http.StatusBadRequest, "origin is required")
			return
		}
		state, err := engine.GetOriginPermissions(origin)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load origin state: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, state)
	}
}

// ListPermissionsHandler returns the permission rules for one origin.
func ListPermissionsHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.URL.Query().Get("origin")
		if origin == "" {
			WriteError(w, http.StatusBadRequest, "origin is required")
			return
		}
		state, err := engine.GetOriginPermissions(origin)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list permissions: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"permissions": state.Rules,
			"count":       len(state.Rules),
		})
	}
}

// ListPendingHandler returns active pending requests, optionally scoped to
// an origin, oldest first.
func ListPendingHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := engine.ListPendingRequests(r.URL.Query().Get("origin"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list pending requests: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"pending": pending,
			"count":   len(pending),
		})
	}
}

// UpdateOriginHandler toggles the per-origin enable switch.
func UpdateOriginHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Origin  string `json:"origin"`
			Enabled bool   `json:"enabled"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.Origin == "" {
			WriteError(w, http.StatusBadRequest, "origin is required")
			return
		}
		if err := engine.SetOriginEnabled(body.Origin, body.Enabled); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to update origin: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"origin": body.Origin, "enabled": body.Enabled})
	}
}

// UpdateModelPermissionHandler upserts a per-(origin, model) rule.
func UpdateModelPermissionHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Origin       string   `json:"origin"`
			ModelID      string   `json:"modelID"`
			Status       string   `json:"status"`
			Capabilities []string `json:"capabilities"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.Origin == "" || body.ModelID == "" {
			WriteError(w, http.StatusBadRequest, "origin and modelID are required")
			return
		}
		switch body.Status {
		case models.PermissionAllowed, models.PermissionDenied, models.PermissionPending:
		default:
			WriteError(w, http.StatusBadRequest, "unknown permission status %q", body.Status)
			return
		}
		if err := engine.SetModelPermission(body.Origin, body.ModelID, body.Status, body.Capabilities); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to update permission: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"origin":  body.Origin,
			"modelID": body.ModelID,
			"status":  body.Status,
		})
	}
}

// PermissionRequestHandler multiplexes the pending-request operations on an
// action discriminant: create, resolve, dismiss, wait.
func PermissionRequestHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string `json:"action"`

			Origin       string   `json:"origin"`
			ModelID      string   `json:"modelID"`
			ModelName    string   `json:"modelName"`
			Provider     string   `json:"provider"`
			Capabilities []string `json:"capabilities"`

			RequestID string `json:"requestID"`
			Decision  string `json:"decision"`
			TimeoutMs int    `json:"timeoutMs"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}

		switch body.Action {
		case "create":
			if body.Origin == "" || body.ModelID == "" {
				WriteError(w, http.StatusBadRequest, "origin and modelID are required")
				return
			}
			request, err := engine.CreatePermissionRequest(permissions.CreateRequestInput{
				Origin:       body.Origin,
				ModelID:      body.ModelID,
				ModelName:    body.ModelName,
				Provider:     body.Provider,
				Capabilities: body.Capabilities,
			})
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to create request: %v", err)
				return
			}
			WriteJSON(w, http.StatusOK, request)

		case "resolve":
			if body.RequestID == "" {
				WriteError(w, http.StatusBadRequest, "requestID is required")
				return
			}
			if body.Decision != models.PermissionAllowed && body.Decision != models.PermissionDenied {
				WriteError(w, http.StatusBadRequest, "decision must be allowed or denied")
				return
			}
			if err := engine.ResolvePermissionRequest(body.RequestID, body.Decision); err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to resolve request: %v", err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{"requestID": body.RequestID, "decision": body.Decision})

		case "dismiss":
			if body.RequestID == "" {
				WriteError(w, http.StatusBadRequest, "requestID is required")
				return
			}
			if err := engine.DismissPermissionRequest(body.RequestID); err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to dismiss request: %v", err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{"requestID": body.RequestID, "dismissed": true})

		case "wait":
			if body.RequestID == "" {
				WriteError(w, http.StatusBadRequest, "requestID is required")
				return
			}
			timeout := defaultWaitTimeout
			if body.TimeoutMs > 0 {
				timeout = time.Duration(body.TimeoutMs) * time.Millisecond
			}
			outcome, err := engine.WaitForDecision(r.Context(), body.RequestID, timeout)
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "wait failed: %v", err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{"requestID": body.RequestID, "status": outcome})

		default:
			WriteError(w, http.StatusBadRequest, "unknown action %q", body.Action)
		}
	}
}

// ResetOriginHandler deletes all permission state for an origin.
func ResetOriginHandler(engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Origin string `json:"origin"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.Origin == "" {
			WriteError(w, http.StatusBadRequest, "origin is required")
			return
		}
		if err := engine.ResetOrigin(body.Origin); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to reset origin: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"origin": body.Origin, "reset": true})
	}
}
