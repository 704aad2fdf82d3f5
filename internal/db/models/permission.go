package models

import "time"

// Permission statuses.
const (
	PermissionAllowed = "allowed"
	PermissionDenied  = "denied"
	PermissionPending = "pending"
)

// Pending request statuses.
const (
	PendingStatusPending  = "pending"
	PendingStatusResolved = "resolved"
)

// OriginSetting holds the per-origin enable switch. Rows are created
// implicitly on first toggle and never deleted.
type OriginSetting struct {
	Origin    string `gorm:"primaryKey"`
	Enabled   bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PermissionRule is the per-(origin, model) allow/deny/pending decision.
// At most one rule per pair (composite primary key).
type PermissionRule struct {
	Origin       string `gorm:"primaryKey"`
	ModelID      string `gorm:"primaryKey"`
	Status       string // allowed | denied | pending
	Capabilities string // JSON array of requested capabilities
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingRequest is an in-flight ask for permission. A request is active
// while Status is pending and it has not been dismissed; creation dedups
// against active rows per (origin, model).
type PendingRequest struct {
	ID           string `gorm:"primaryKey"` // UUID
	Origin       string `gorm:"index:idx_pending_origin_model"`
	ModelID      string `gorm:"index:idx_pending_origin_model"`
	ModelName    string
	Provider     string
	Capabilities string    // JSON array
	RequestedAt  time.Time `gorm:"index"`
	Dismissed    bool
	Status       string // pending | resolved
}
