package models

import "time"

// Provider source values.
const (
	ProviderSourceModelsDev = "models.dev"
	ProviderSourceConfig    = "config"
	ProviderSourcePlugin    = "plugin"
)

// Model status values. Catalog refresh drops deprecated and alpha models.
const (
	ModelStatusActive     = "active"
	ModelStatusBeta       = "beta"
	ModelStatusAlpha      = "alpha"
	ModelStatusDeprecated = "deprecated"
)

// Provider is a denormalized catalog row, rebuilt wholesale on refresh.
// Connected is derived from AuthRecord existence at rebuild time.
type Provider struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Source    string // models.dev | config | plugin
	EnvVars   string // JSON array of env var hints (e.g. ["OPENAI_API_KEY"])
	Connected bool
	Options   string // JSON map of provider-level options
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderModel is a denormalized model descriptor. The primary key is
// "<providerID>/<modelID>" so cross-provider lookups stay unambiguous.
type ProviderModel struct {
	ID         string `gorm:"primaryKey"` // providerID/modelID
	ProviderID string `gorm:"index"`
	ModelID    string `gorm:"index"`
	Name       string
	Family     string
	Status     string // active | beta | alpha | deprecated

	EndpointID      string
	EndpointURL     string
	EndpointPackage string // npm-or-package tag of the wire adapter

	CostInput      float64
	CostOutput     float64
	CostCacheRead  float64
	CostCacheWrite float64

	ContextLimit int
	OutputLimit  int

	Temperature bool
	Reasoning   bool
	Attachment  bool
	ToolCall    bool

	InputModalities  string // JSON array: ["text","image",...]
	OutputModalities string // JSON array

	Headers  string // JSON map of model-level static headers
	Options  string // JSON map of model options
	Variants string // JSON map of model variants

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key builds the composite primary key for a ProviderModel row.
func (ProviderModel) Key(providerID, modelID string) string {
	return providerID + "/" + modelID
}
