// Package registry builds and serves the denormalized provider/model
// catalog: the remote models.dev snapshot merged with user config and
// plugin patches, persisted for fast lookup.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"gorm.io/gorm"
)

// Lookup errors.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrModelNotFound    = errors.New("model not found")
)

// Registry owns the persisted catalog tables.
type Registry struct {
	store   *db.Store
	cfg     *config.Config
	plugins *plugins.Manager
	auth    *authstore.Store
	bus     *events.Bus
	client  *ModelsDevClient

	ensureMu sync.Mutex
}

// New wires the registry.
func New(store *db.Store, cfg *config.Config, pm *plugins.Manager, auth *authstore.Store, bus *events.Bus, client *ModelsDevClient) *Registry {
	return &Registry{
		store:   store,
		cfg:     cfg,
		plugins: pm,
		auth:    auth,
		bus:     bus,
		client:  client,
	}
}

// Ensure lazily triggers a full refresh exactly once, keyed on a persisted
// initialized flag, so reads never rebuild an already-built catalog.
func (r *Registry) Ensure(ctx context.Context) error {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	if r.store.GetConfig(models.ConfigKeyCatalogInitialized) != "" {
		return nil
	}
	return r.refresh(ctx, "")
}

// Refresh rebuilds the whole catalog.
func (r *Registry) Refresh(ctx context.Context) error {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()
	return r.refresh(ctx, "")
}

// RefreshProvider reruns the pipeline for one provider without touching the
// others. Used after connect/disconnect.
func (r *Registry) RefreshProvider(ctx context.Context, providerID string) error {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()
	return r.refresh(ctx, config.NormalizeProviderID(providerID))
}

// refresh runs the catalog pipeline. An empty scope means all providers.
func (r *Registry) refresh(ctx context.Context, scope string) error {
	snapshot, err := r.client.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh failed: %w", err)
	}

	authMap, err := r.auth.All()
	if err != nil {
		return fmt.Errorf("failed to load auth records: %w", err)
	}

	// Candidate set: snapshot providers plus config-only providers.
	candidates := make(map[string]*SnapshotProvider, len(snapshot))
	for id := range snapshot {
		p := snapshot[id]
		candidates[config.NormalizeProviderID(id)] = &p
	}
	for id := range r.cfg.Providers {
		if _, ok := candidates[id]; !ok {
			candidates[id] = nil
		}
	}

	var providerRows []models.Provider
	var modelRows []models.ProviderModel
	for id, snapProvider := range candidates {
		if scope != "" && id != scope {
			continue
		}
		if r.cfg.ProviderDisabled(id) {
			continue
		}
		_, connected := authMap[id]
		provider, providerModels := r.buildProvider(id, snapProvider, connected)

		r.plugins.PatchProvider(&provider)
		for i := range providerModels {
			r.plugins.PatchModel(&providerModels[i])
		}

		providerRows = append(providerRows, provider)
		modelRows = append(modelRows, providerModels...)
	}

	err = r.store.Update(func(tx *gorm.DB, after *db.After) error {
		// Clear-and-bulk-rewrite keeps the denormalized tables consistent.
		if scope == "" {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Provider{}).Error; err != nil {
				return err
			}
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ProviderModel{}).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Where("id = ?", scope).Delete(&models.Provider{}).Error; err != nil {
				return err
			}
			if err := tx.Where("provider_id = ?", scope).Delete(&models.ProviderModel{}).Error; err != nil {
				return err
			}
		}

		if len(providerRows) > 0 {
			if err := tx.Create(&providerRows).Error; err != nil {
				return err
			}
		}
		if len(modelRows) > 0 {
			if err := tx.Create(&modelRows).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for _, kv := range []models.Config{
			{Key: models.ConfigKeyCatalogUpdatedAt, Value: now},
			{Key: models.ConfigKeyCatalogInitialized, Value: "1"},
		} {
			var existing models.Config
			if err := tx.Where("key = ?", kv.Key).First(&existing).Error; err != nil {
				if err := tx.Create(&kv).Error; err != nil {
					return err
				}
			} else {
				existing.Value = kv.Value
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
			}
		}

		after.Do(func() {
			payload := map[string]interface{}{"scope": scope}
			r.bus.Publish(events.TopicCatalogRefreshed, payload)
			r.bus.Publish(events.TopicProvidersChanged, payload)
			r.bus.Publish(events.TopicModelsChanged, payload)
		})
		return nil
	})
	if err != nil {
		return err
	}

	if scope == "" {
		log.Printf("📚 Catalog refreshed: %d providers, %d models", len(providerRows), len(modelRows))
	} else {
		log.Printf("📚 Catalog refreshed for %s: %d models", scope, len(modelRows))
	}
	return nil
}

// buildProvider assembles one provider row and its model set from the
// snapshot entry (nil for config-only providers) and user config.
func (r *Registry) buildProvider(id string, snap *SnapshotProvider, connected bool) (models.Provider, []models.ProviderModel) {
	pc := r.cfg.Provider(id)

	provider := models.Provider{
		ID:        id,
		Source:    models.ProviderSourceConfig,
		Connected: connected,
	}
	if snap != nil {
		provider.Name = snap.Name
		provider.Source = models.ProviderSourceModelsDev
		provider.EnvVars = marshalJSON(snap.Env)
	}
	if pc.Name != "" {
		provider.Name = pc.Name
	}
	if provider.Name == "" {
		provider.Name = id
	}
	if pc.APIKeyEnv != "" {
		provider.EnvVars = marshalJSON([]string{pc.APIKeyEnv})
	}
	if len(pc.Options) > 0 {
		provider.Options = marshalJSON(pc.Options)
	}

	var rows []models.ProviderModel
	seen := map[string]struct{}{}

	if snap != nil {
		for modelID, sm := range snap.Models {
			seen[modelID] = struct{}{}
			if sm.Status == models.ModelStatusDeprecated || sm.Status == models.ModelStatusAlpha {
				continue
			}
			if !modelEligible(modelID, pc) {
				continue
			}
			override, hasOverride := pc.Models[modelID]
			if hasOverride && override.Disabled {
				continue
			}
			row := snapshotModelRow(id, modelID, sm, snap, pc)
			if hasOverride {
				applyOverride(&row, override)
			}
			rows = append(rows, row)
		}
	}

	// Config-only models: ids not present upstream at all. Supports fully
	// custom/self-hosted model declarations.
	for modelID, override := range pc.Models {
		if _, upstream := seen[modelID]; upstream {
			continue
		}
		if override.Disabled || !modelEligible(modelID, pc) {
			continue
		}
		row := models.ProviderModel{
			ID:          models.ProviderModel{}.Key(id, modelID),
			ProviderID:  id,
			ModelID:     modelID,
			Name:        modelID,
			Status:      models.ModelStatusActive,
			EndpointURL: pc.BaseURL,
			Temperature: true,
			ToolCall:    true,
		}
		applyOverride(&row, override)
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ModelID < rows[j].ModelID })
	return provider, rows
}

func modelEligible(modelID string, pc config.ProviderConfig) bool {
	for _, b := range pc.Blacklist {
		if b == strings.ToLower(modelID) {
			return false
		}
	}
	if len(pc.Whitelist) > 0 {
		for _, w := range pc.Whitelist {
			if w == strings.ToLower(modelID) {
				return true
			}
		}
		return false
	}
	return true
}

func snapshotModelRow(providerID, modelID string, sm SnapshotModel, snap *SnapshotProvider, pc config.ProviderConfig) models.ProviderModel {
	endpointURL := snap.API
	if pc.BaseURL != "" {
		endpointURL = pc.BaseURL
	}
	name := sm.Name
	if name == "" {
		name = modelID
	}
	return models.ProviderModel{
		ID:               models.ProviderModel{}.Key(providerID, modelID),
		ProviderID:       providerID,
		ModelID:          modelID,
		Name:             name,
		Family:           sm.Family,
		Status:           sm.Status,
		EndpointID:       providerID,
		EndpointURL:      endpointURL,
		EndpointPackage:  snap.NPM,
		CostInput:        sm.Cost.Input,
		CostOutput:       sm.Cost.Output,
		CostCacheRead:    sm.Cost.CacheRead,
		CostCacheWrite:   sm.Cost.CacheWrite,
		ContextLimit:     sm.Limit.Context,
		OutputLimit:      sm.Limit.Output,
		Temperature:      sm.Temperature,
		Reasoning:        sm.Reasoning,
		Attachment:       sm.Attachment,
		ToolCall:         sm.ToolCall,
		InputModalities:  marshalJSON(sm.Modalities.Input),
		OutputModalities: marshalJSON(sm.Modalities.Output),
	}
}

func applyOverride(row *models.ProviderModel, o config.ModelOverride) {
	if o.Name != "" {
		row.Name = o.Name
	}
	if o.Family != "" {
		row.Family = o.Family
	}
	if o.Status != "" {
		row.Status = o.Status
	}
	if o.EndpointID != "" {
		row.EndpointID = o.EndpointID
	}
	if o.EndpointURL != "" {
		row.EndpointURL = o.EndpointURL
	}
	if o.EndpointPackage != "" {
		row.EndpointPackage = o.EndpointPackage
	}
	if len(o.Headers) > 0 {
		row.Headers = marshalJSON(o.Headers)
	}
	if len(o.Options) > 0 {
		row.Options = marshalJSON(o.Options)
	}
	if len(o.Variants) > 0 {
		row.Variants = marshalJSON(o.Variants)
	}
	if o.CostInput != nil {
		row.CostInput = *o.CostInput
	}
	if o.CostOutput != nil {
		row.CostOutput = *o.CostOutput
	}
	if o.ContextLimit != nil {
		row.ContextLimit = *o.ContextLimit
	}
	if o.OutputLimit != nil {
		row.OutputLimit = *o.OutputLimit
	}
}

// GetProvider returns a provider row, ensuring the catalog first.
func (r *Registry) GetProvider(id string) (*models.Provider, error) {
	if err := r.Ensure(context.Background()); err != nil {
		return nil, err
	}
	var provider models.Provider
	if err := r.store.DB.Where("id = ?", config.NormalizeProviderID(id)).First(&provider).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
		}
		return nil, err
	}
	return &provider, nil
}

// GetModel returns one model row by provider and model id.
func (r *Registry) GetModel(providerID, modelID string) (*models.ProviderModel, error) {
	if err := r.Ensure(context.Background()); err != nil {
		return nil, err
	}
	var row models.ProviderModel
	key := models.ProviderModel{}.Key(config.NormalizeProviderID(providerID), modelID)
	if err := r.store.DB.Where("id = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrModelNotFound, providerID, modelID)
		}
		return nil, err
	}
	return &row, nil
}

// ResolveModel splits a combined "provider/model" id and looks it up.
func (r *Registry) ResolveModel(combinedID string) (*models.Provider, *models.ProviderModel, error) {
	providerID, modelID, ok := strings.Cut(combinedID, "/")
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q is not provider/model", ErrModelNotFound, combinedID)
	}
	provider, err := r.GetProvider(providerID)
	if err != nil {
		return nil, nil, err
	}
	model, err := r.GetModel(providerID, modelID)
	if err != nil {
		return nil, nil, err
	}
	return provider, model, nil
}

// ListProviders returns all provider rows ordered by id.
func (r *Registry) ListProviders() ([]models.Provider, error) {
	if err := r.Ensure(context.Background()); err != nil {
		return nil, err
	}
	var providers []models.Provider
	if err := r.store.DB.Order("id").Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

// ListModels returns model rows, optionally scoped to a provider and to
// connected providers only.
func (r *Registry) ListModels(providerID string, connectedOnly bool) ([]models.ProviderModel, error) {
	if err := r.Ensure(context.Background()); err != nil {
		return nil, err
	}
	q := r.store.DB.Order("id")
	if providerID != "" {
		q = q.Where("provider_id = ?", config.NormalizeProviderID(providerID))
	}
	if connectedOnly {
		q = q.Where("provider_id IN (?)", r.store.DB.Model(&models.Provider{}).Select("id").Where("connected = ?", true))
	}
	var rows []models.ProviderModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func marshalJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
