package handlers

import (
	"bufio"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/gateway"
	"github.com/modelbridge/modelbridge/internal/permissions"
	"github.com/modelbridge/modelbridge/internal/registry"
)

type invokeBody struct {
	Origin    string                 `json:"origin"`
	Model     string                 `json:"model"` // combined "provider/model" id
	SessionID string                 `json:"sessionID"`
	Params    map[string]interface{} `json:"params"`
}

// AcquireModelHandler grants a session handle when the origin already holds
// permission for the model. Otherwise it files (or dedups into) a pending
// permission request the caller can wait on.
func AcquireModelHandler(reg *registry.Registry, engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Origin string `json:"origin"`
			Model  string `json:"model"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.Origin == "" || body.Model == "" {
			WriteError(w, http.StatusBadRequest, "origin and model are required")
			return
		}

		provider, model, err := reg.ResolveModel(body.Model)
		if err != nil {
			WriteError(w, http.StatusNotFound, "%v", err)
			return
		}

		if engine.GetModelPermission(body.Origin, body.Model) == models.PermissionAllowed {
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"granted":   true,
				"sessionID": "sess-" + uuid.New().String(),
				"model":     model,
			})
			return
		}

		request, err := engine.CreatePermissionRequest(permissions.CreateRequestInput{
			Origin:    body.Origin,
			ModelID:   body.Model,
			ModelName: model.Name,
			Provider:  provider.ID,
		})
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to request permission: %v", err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"granted":   false,
			"requestID": request.ID,
		})
	}
}

// GenerateHandler runs one non-streaming model invocation.
func GenerateHandler(gw *gateway.Gateway, engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body invokeBody
		if !DecodeJSON(w, r, &body) {
			return
		}
		if !checkInvoke(w, engine, body) {
			return
		}

		result, err := gw.Invoke(r.Context(), gateway.InvokeRequest{
			Origin:    body.Origin,
			Model:     body.Model,
			SessionID: body.SessionID,
			Body:      body.Params,
		})
		if err != nil {
			writeInvokeError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"requestID": result.RequestID,
			"response":  result.Response,
		})
	}
}

// StreamHandler runs one streaming invocation and relays the upstream body
// as SSE chunk events terminated by a done or error marker.
func StreamHandler(gw *gateway.Gateway, engine *permissions.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body invokeBody
		if !DecodeJSON(w, r, &body) {
			return
		}
		if !checkInvoke(w, engine, body) {
			return
		}

		result, err := gw.Invoke(r.Context(), gateway.InvokeRequest{
			Origin:    body.Origin,
			Model:     body.Model,
			SessionID: body.SessionID,
			Body:      body.Params,
			Stream:    true,
		})
		if err != nil {
			writeInvokeError(w, err)
			return
		}
		stream := result.Stream
		defer func() {
			gw.FinishStream(result.RequestID)
			stream.Close()
		}()

		SetSSEHeaders(w)
		WriteSSE(w, map[string]interface{}{
			"requestID": result.RequestID,
			"format":    stream.Format,
		})

		scanner := bufio.NewScanner(stream.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !WriteSSE(w, map[string]interface{}{"chunk": line}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			WriteSSE(w, map[string]interface{}{"error": err.Error()})
			return
		}
		WriteSSE(w, map[string]interface{}{"done": true})
	}
}

// AbortHandler releases an in-flight stream by request id.
func AbortHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequestID string `json:"requestID"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		if body.RequestID == "" {
			WriteError(w, http.StatusBadRequest, "requestID is required")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"requestID": body.RequestID,
			"aborted":   gw.Abort(body.RequestID),
		})
	}
}

// checkInvoke validates an invocation body and enforces the permission
// decision for the (origin, model) pair.
func checkInvoke(w http.ResponseWriter, engine *permissions.Engine, body invokeBody) bool {
	if body.Origin == "" || body.Model == "" {
		WriteError(w, http.StatusBadRequest, "origin and model are required")
		return false
	}
	if engine.GetModelPermission(body.Origin, body.Model) != models.PermissionAllowed {
		WriteError(w, http.StatusForbidden, "origin %s is not allowed to use %s", body.Origin, body.Model)
		return false
	}
	return true
}

func writeInvokeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrProviderNotFound), errors.Is(err, registry.ErrModelNotFound):
		WriteError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, gateway.ErrNotConnected):
		WriteError(w, http.StatusConflict, "%v", err)
	default:
		WriteError(w, http.StatusBadGateway, "%v", err)
	}
}
