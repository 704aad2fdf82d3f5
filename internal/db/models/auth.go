package models

import "time"

// AuthRecord types.
const (
	AuthTypeAPI   = "api"
	AuthTypeOAuth = "oauth"
)

// AuthRecord stores the credential for one provider, one-to-one by provider
// ID. It is a tagged union: api records carry Key, oauth records carry
// Access/Refresh/ExpiresAt/AccountID. Tokens are opaque; no crypto here.
// Presence of a row means the provider is connected.
type AuthRecord struct {
	ProviderID string `gorm:"primaryKey"`
	Type       string // api | oauth

	Key string // api only

	Access    string // oauth only
	Refresh   string
	ExpiresAt time.Time
	AccountID string

	Metadata  string // JSON blob for plugin-specific extras
	CreatedAt time.Time
	UpdatedAt time.Time
}
