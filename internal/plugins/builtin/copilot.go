package builtin

import (
	"context"

	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/plugins"
)

const copilotProviderID = "github-copilot"

// Copilot patches the GitHub Copilot catalog entries (subscription pricing
// means zero per-token cost, and the endpoint speaks the OpenAI-compatible
// dialect) and injects the editor identification headers Copilot requires.
type Copilot struct{}

func NewCopilot() *Copilot { return &Copilot{} }

func (p *Copilot) ID() string                   { return "copilot" }
func (p *Copilot) SupportedProviders() []string { return []string{copilotProviderID} }

func (p *Copilot) PatchProvider(provider *models.Provider) error {
	if provider.Name == "" {
		provider.Name = "GitHub Copilot"
	}
	return nil
}

func (p *Copilot) PatchModel(model *models.ProviderModel) error {
	model.CostInput = 0
	model.CostOutput = 0
	model.CostCacheRead = 0
	model.CostCacheWrite = 0
	model.EndpointPackage = "@ai-sdk/openai-compatible"
	return nil
}

func (p *Copilot) ChatHeaders(ctx context.Context, tc *plugins.TransformContext) (map[string]string, error) {
	return map[string]string{
		"Editor-Version":        "vscode/1.99.0",
		"Editor-Plugin-Version": "copilot-chat/0.26.0",
		"Copilot-Integration-Id": "vscode-chat",
	}, nil
}
