// Package builtin holds the plugins shipped with the daemon: the universal
// API-key and personal-access-token methods, browser and device OAuth flows,
// and the Copilot catalog patch.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/plugins"
)

// APIKey offers a manual API-key method for every provider.
type APIKey struct{}

func NewAPIKey() *APIKey { return &APIKey{} }

func (p *APIKey) ID() string                   { return "apikey" }
func (p *APIKey) SupportedProviders() []string { return []string{plugins.Wildcard} }
func (p *APIKey) AuthProvider() string         { return plugins.Wildcard }

func (p *APIKey) Methods(ctx context.Context, mc *plugins.MethodContext) ([]plugins.AuthMethod, error) {
	return []plugins.AuthMethod{{
		ID:    "manual",
		Label: "API key",
		Type:  "api",
		Fields: []plugins.AuthMethodField{{
			Key:              "key",
			Label:            "API key",
			Type:             "password",
			Placeholder:      "sk-...",
			MinLength:        8,
			MinLengthMessage: "API keys are at least 8 characters.",
		}},
	}}, nil
}

func (p *APIKey) Authorize(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
	key := strings.TrimSpace(req.Values["key"])
	if key == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return &plugins.AuthResult{Type: models.AuthTypeAPI, Key: key}, nil
}
