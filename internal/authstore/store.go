// Package authstore is the exclusive owner of AuthRecord rows. Credentials
// are written only via Set and removed via Remove; presence of a record
// means the provider is connected.
package authstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no credential exists for a provider.
var ErrNotFound = errors.New("auth record not found")

// Store mediates AuthRecord access and change notification.
type Store struct {
	store *db.Store
	bus   *events.Bus
}

// New creates the auth store.
func New(store *db.Store, bus *events.Bus) *Store {
	return &Store{store: store, bus: bus}
}

// Get returns the credential for a provider.
func (s *Store) Get(providerID string) (*models.AuthRecord, error) {
	var rec models.AuthRecord
	if err := s.store.DB.Where("provider_id = ?", providerID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, providerID)
		}
		return nil, err
	}
	return &rec, nil
}

// All returns every credential keyed by provider id.
func (s *Store) All() (map[string]models.AuthRecord, error) {
	var recs []models.AuthRecord
	if err := s.store.DB.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]models.AuthRecord, len(recs))
	for _, rec := range recs {
		out[rec.ProviderID] = rec
	}
	return out, nil
}

// Connected reports whether a credential exists for the provider.
func (s *Store) Connected(providerID string) bool {
	_, err := s.Get(providerID)
	return err == nil
}

// Set upserts the credential for rec.ProviderID and emits auth.changed
// after commit. CreatedAt is preserved across reconnects.
func (s *Store) Set(rec models.AuthRecord) error {
	if rec.ProviderID == "" {
		return fmt.Errorf("auth record requires a provider id")
	}
	if rec.Type != models.AuthTypeAPI && rec.Type != models.AuthTypeOAuth {
		return fmt.Errorf("unknown auth record type %q", rec.Type)
	}
	return s.store.Update(func(tx *gorm.DB, after *db.After) error {
		var existing models.AuthRecord
		if err := tx.Where("provider_id = ?", rec.ProviderID).First(&existing).Error; err == nil {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = time.Now()
		}
		rec.UpdatedAt = time.Now()
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		after.Do(func() {
			s.bus.Publish(events.TopicAuthChanged, map[string]interface{}{
				"providerID": rec.ProviderID,
				"connected":  true,
			})
		})
		return nil
	})
}

// Remove deletes the credential and emits auth.changed after commit.
// No-op if no record exists.
func (s *Store) Remove(providerID string) error {
	return s.store.Update(func(tx *gorm.DB, after *db.After) error {
		result := tx.Where("provider_id = ?", providerID).Delete(&models.AuthRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		after.Do(func() {
			s.bus.Publish(events.TopicAuthChanged, map[string]interface{}{
				"providerID": providerID,
				"connected":  false,
			})
		})
		return nil
	})
}
