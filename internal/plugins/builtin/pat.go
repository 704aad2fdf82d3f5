package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/plugins"
)

// PAT offers a personal-access-token method for one provider. Tokens are
// stored as api-type records tagged in metadata so loaders can tell them
// apart from plain API keys.
type PAT struct {
	providerID string
	pattern    string
}

// NewPAT builds the plugin. pattern is an optional validation regex hint
// surfaced to the UI (e.g. "^ghp_" for GitHub tokens).
func NewPAT(providerID, pattern string) *PAT {
	return &PAT{providerID: providerID, pattern: pattern}
}

func (p *PAT) ID() string                   { return "pat-" + p.providerID }
func (p *PAT) SupportedProviders() []string { return []string{p.providerID} }
func (p *PAT) AuthProvider() string         { return p.providerID }

func (p *PAT) Methods(ctx context.Context, mc *plugins.MethodContext) ([]plugins.AuthMethod, error) {
	field := plugins.AuthMethodField{
		Key:   "token",
		Label: "Personal access token",
		Type:  "password",
	}
	if p.pattern != "" {
		field.Regex = p.pattern
		field.RegexMessage = "That does not look like a valid token."
	}
	return []plugins.AuthMethod{{
		ID:     "token",
		Label:  "Personal access token",
		Type:   "pat",
		Fields: []plugins.AuthMethodField{field},
	}}, nil
}

func (p *PAT) Authorize(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
	token := strings.TrimSpace(req.Values["token"])
	if token == "" {
		return nil, fmt.Errorf("personal access token is required")
	}
	return &plugins.AuthResult{
		Type:     models.AuthTypeAPI,
		Key:      token,
		Metadata: map[string]string{"kind": "pat"},
	}, nil
}
