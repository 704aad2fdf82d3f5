package models

import "time"

// Well-known config keys.
const (
	ConfigKeyAPIKey             = "api_key"
	ConfigKeyCatalogInitialized = "catalog_initialized"
	ConfigKeyCatalogUpdatedAt   = "catalog_updated_at"
	ConfigKeyCatalogSnapshot    = "catalog_snapshot" // last good models.dev payload
)

// Config stores application configuration like the RPC API key and
// catalog bookkeeping markers.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
