// Package permissions owns per-origin enable state, per-(origin, model)
// allow/deny rules, and the pending-permission-request queue with
// deduplication, a hard cap, and FIFO eviction.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"gorm.io/gorm"
)

const (
	// PendingCap bounds the total number of pending requests; the oldest
	// rows by requestedAt are evicted first on overflow.
	PendingCap = 200

	// pollInterval drives WaitForDecision. The waiter and the resolver may
	// live in different execution contexts, so this is a polling wait by
	// contract, not an event subscription.
	pollInterval = time.Second
)

// Wait outcomes.
const (
	WaitResolved = "resolved"
	WaitTimeout  = "timeout"
)

// Engine is the permission state machine over the store.
type Engine struct {
	store *db.Store
	bus   *events.Bus
}

// NewEngine wires the permission engine.
func NewEngine(store *db.Store, bus *events.Bus) *Engine {
	return &Engine{store: store, bus: bus}
}

// OriginPermissions is the read-only join of the origin row and its rules.
type OriginPermissions struct {
	Origin  string                           `json:"origin"`
	Enabled bool                             `json:"enabled"`
	Rules   map[string]models.PermissionRule `json:"rules"`
}

// CreateRequestInput describes a new ask for permission.
type CreateRequestInput struct {
	Origin       string   `json:"origin"`
	ModelID      string   `json:"modelID"`
	ModelName    string   `json:"modelName"`
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities"`
}

// GetOriginPermissions returns the origin's enabled flag (default true when
// no row exists) and all its rules keyed by model id.
func (e *Engine) GetOriginPermissions(origin string) (*OriginPermissions, error) {
	result := &OriginPermissions{
		Origin:  origin,
		Enabled: true,
		Rules:   map[string]models.PermissionRule{},
	}

	var setting models.OriginSetting
	if err := e.store.DB.Where("origin = ?", origin).First(&setting).Error; err == nil {
		result.Enabled = setting.Enabled
	}

	var rules []models.PermissionRule
	if err := e.store.DB.Where("origin = ?", origin).Find(&rules).Error; err != nil {
		return nil, err
	}
	for _, rule := range rules {
		result.Rules[rule.ModelID] = rule
	}
	return result, nil
}

// SetOriginEnabled upserts the origin row and emits origin.changed on
// commit.
func (e *Engine) SetOriginEnabled(origin string, enabled bool) error {
	return e.store.Update(func(tx *gorm.DB, after *db.After) error {
		var setting models.OriginSetting
		if err := tx.Where("origin = ?", origin).First(&setting).Error; err != nil {
			setting = models.OriginSetting{Origin: origin, Enabled: enabled}
			if err := tx.Create(&setting).Error; err != nil {
				return err
			}
		} else {
			setting.Enabled = enabled
			// Save with a zero-value Enabled would be skipped by gorm's
			// default handling, so update the column explicitly.
			if err := tx.Model(&setting).Update("enabled", enabled).Error; err != nil {
				return err
			}
		}
		after.Do(func() {
			e.bus.Publish(events.TopicOriginChanged, map[string]interface{}{
				"origin": origin, "enabled": enabled,
			})
		})
		return nil
	})
}

// SetModelPermission upserts the (origin, model) rule. Prior capabilities
// are preserved when none are supplied.
func (e *Engine) SetModelPermission(origin, modelID, status string, capabilities []string) error {
	return e.store.Update(func(tx *gorm.DB, after *db.After) error {
		if err := upsertRule(tx, origin, modelID, status, capabilities); err != nil {
			return err
		}
		after.Do(func() {
			e.bus.Publish(events.TopicPermissionsChanged, map[string]interface{}{
				"origin": origin, "modelID": modelID, "status": status,
			})
		})
		return nil
	})
}

func upsertRule(tx *gorm.DB, origin, modelID, status string, capabilities []string) error {
	var rule models.PermissionRule
	err := tx.Where("origin = ? AND model_id = ?", origin, modelID).First(&rule).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		rule = models.PermissionRule{
			Origin:       origin,
			ModelID:      modelID,
			Status:       status,
			Capabilities: marshalCapabilities(capabilities),
		}
		return tx.Create(&rule).Error
	}

	updates := map[string]interface{}{"status": status, "updated_at": time.Now()}
	if capabilities != nil {
		updates["capabilities"] = marshalCapabilities(capabilities)
	}
	return tx.Model(&models.PermissionRule{}).
		Where("origin = ? AND model_id = ?", origin, modelID).
		Updates(updates).Error
}

// GetModelPermission returns the effective decision for (origin, model).
// A disabled origin overrides everything, including an explicit allow.
func (e *Engine) GetModelPermission(origin, modelID string) string {
	var setting models.OriginSetting
	if err := e.store.DB.Where("origin = ?", origin).First(&setting).Error; err == nil && !setting.Enabled {
		return models.PermissionDenied
	}

	var rule models.PermissionRule
	if err := e.store.DB.Where("origin = ? AND model_id = ?", origin, modelID).First(&rule).Error; err != nil {
		return models.PermissionDenied
	}
	if rule.Status == models.PermissionAllowed {
		return models.PermissionAllowed
	}
	return models.PermissionDenied
}

// CreatePermissionRequest creates (or returns the existing active) pending
// request for (origin, model). Creation also marks the rule pending and
// enforces the cap via FIFO eviction.
func (e *Engine) CreatePermissionRequest(input CreateRequestInput) (*models.PendingRequest, error) {
	var request models.PendingRequest
	err := e.store.Update(func(tx *gorm.DB, after *db.After) error {
		// Dedup against active requests for the same pair.
		var existing models.PendingRequest
		err := tx.Where("origin = ? AND model_id = ? AND status = ? AND dismissed = ?",
			input.Origin, input.ModelID, models.PendingStatusPending, false).
			First(&existing).Error
		if err == nil {
			request = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		request = models.PendingRequest{
			ID:           uuid.New().String(),
			Origin:       input.Origin,
			ModelID:      input.ModelID,
			ModelName:    input.ModelName,
			Provider:     input.Provider,
			Capabilities: marshalCapabilities(input.Capabilities),
			RequestedAt:  time.Now(),
			Status:       models.PendingStatusPending,
		}
		if err := tx.Create(&request).Error; err != nil {
			return err
		}

		if err := upsertRule(tx, input.Origin, input.ModelID, models.PermissionPending, input.Capabilities); err != nil {
			return err
		}

		// Cap enforcement: evict oldest-by-requestedAt pending rows.
		var count int64
		if err := tx.Model(&models.PendingRequest{}).
			Where("status = ?", models.PendingStatusPending).
			Count(&count).Error; err != nil {
			return err
		}
		if count > PendingCap {
			var evict []models.PendingRequest
			if err := tx.Where("status = ?", models.PendingStatusPending).
				Order("requested_at ASC").
				Limit(int(count - PendingCap)).
				Find(&evict).Error; err != nil {
				return err
			}
			for _, victim := range evict {
				if err := tx.Delete(&models.PendingRequest{}, "id = ?", victim.ID).Error; err != nil {
					return err
				}
			}
		}

		after.Do(func() {
			e.bus.Publish(events.TopicPendingChanged, map[string]interface{}{"origin": input.Origin})
			e.bus.Publish(events.TopicPermissionsChanged, map[string]interface{}{
				"origin": input.Origin, "modelID": input.ModelID, "status": models.PermissionPending,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// ResolvePermissionRequest writes the decision to the rule and deletes the
// pending row. No-op when the id is unknown.
func (e *Engine) ResolvePermissionRequest(id, decision string) error {
	return e.terminateRequest(id, decision)
}

// DismissPermissionRequest denies and removes a pending request. No-op
// when the id is unknown.
func (e *Engine) DismissPermissionRequest(id string) error {
	return e.terminateRequest(id, models.PermissionDenied)
}

func (e *Engine) terminateRequest(id, decision string) error {
	return e.store.Update(func(tx *gorm.DB, after *db.After) error {
		var request models.PendingRequest
		if err := tx.Where("id = ?", id).First(&request).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if err := upsertRule(tx, request.Origin, request.ModelID, decision, nil); err != nil {
			return err
		}
		if err := tx.Delete(&models.PendingRequest{}, "id = ?", id).Error; err != nil {
			return err
		}

		after.Do(func() {
			e.bus.Publish(events.TopicPendingChanged, map[string]interface{}{"origin": request.Origin})
			e.bus.Publish(events.TopicPermissionsChanged, map[string]interface{}{
				"origin": request.Origin, "modelID": request.ModelID, "status": decision,
			})
		})
		return nil
	})
}

// ListPendingRequests returns active requests, optionally scoped to one
// origin, oldest first.
func (e *Engine) ListPendingRequests(origin string) ([]models.PendingRequest, error) {
	q := e.store.DB.
		Where("status = ? AND dismissed = ?", models.PendingStatusPending, false).
		Order("requested_at ASC")
	if origin != "" {
		q = q.Where("origin = ?", origin)
	}
	var requests []models.PendingRequest
	if err := q.Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}

// WaitForDecision polls until the pending row is gone (or left the pending
// state) or the timeout elapses. The resolution may originate from another
// execution context, which is why this is a poll and not a subscription.
func (e *Engine) WaitForDecision(ctx context.Context, requestID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var request models.PendingRequest
		err := e.store.DB.Where("id = ?", requestID).First(&request).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return WaitResolved, nil
		}
		if err != nil {
			return "", err
		}
		if request.Status != models.PendingStatusPending || request.Dismissed {
			return WaitResolved, nil
		}

		if time.Now().After(deadline) {
			return WaitTimeout, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// ResetOrigin clears all rules and pending requests for an origin and
// re-enables it. This is the origin data reset path.
func (e *Engine) ResetOrigin(origin string) error {
	return e.store.Update(func(tx *gorm.DB, after *db.After) error {
		if err := tx.Where("origin = ?", origin).Delete(&models.PermissionRule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("origin = ?", origin).Delete(&models.PendingRequest{}).Error; err != nil {
			return err
		}
		if err := tx.Where("origin = ?", origin).Delete(&models.OriginSetting{}).Error; err != nil {
			return err
		}
		after.Do(func() {
			e.bus.Publish(events.TopicOriginChanged, map[string]interface{}{"origin": origin, "enabled": true})
			e.bus.Publish(events.TopicPendingChanged, map[string]interface{}{"origin": origin})
			e.bus.Publish(events.TopicPermissionsChanged, map[string]interface{}{"origin": origin})
		})
		return nil
	})
}

func marshalCapabilities(caps []string) string {
	if len(caps) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
