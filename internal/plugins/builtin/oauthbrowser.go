package builtin

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// refreshLeeway forces a refresh slightly before the recorded expiry so a
// token never dies mid-request.
const refreshLeeway = time.Minute

// OAuthBrowser runs the authorization-code-with-PKCE flow for one provider
// and keeps its tokens fresh at invocation time.
type OAuthBrowser struct {
	providerID string
	cfg        *oauth2.Config
	auth       *authstore.Store

	refresh singleflight.Group
}

// NewOAuthBrowser builds the plugin. cfg carries the provider's issuer
// endpoints, client id and scopes; the redirect URL is set per flow.
func NewOAuthBrowser(providerID string, cfg *oauth2.Config, auth *authstore.Store) *OAuthBrowser {
	return &OAuthBrowser{providerID: providerID, cfg: cfg, auth: auth}
}

func (p *OAuthBrowser) ID() string                   { return "oauth-" + p.providerID }
func (p *OAuthBrowser) SupportedProviders() []string { return []string{p.providerID} }
func (p *OAuthBrowser) AuthProvider() string         { return p.providerID }

func (p *OAuthBrowser) Methods(ctx context.Context, mc *plugins.MethodContext) ([]plugins.AuthMethod, error) {
	return []plugins.AuthMethod{{
		ID:    "browser",
		Label: "Sign in with browser",
		Type:  "oauth",
	}}, nil
}

func (p *OAuthBrowser) Authorize(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
	token, err := req.OAuth.AuthorizeBrowser(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	return tokenResult(token), nil
}

// LoadAuthOptions refreshes an expired access token before the request goes
// out. Refreshes are single-flighted per provider+account so concurrent
// invocations never race two refresh calls that would invalidate each other.
func (p *OAuthBrowser) LoadAuthOptions(ctx context.Context, auth *models.AuthRecord, provider *models.Provider) (*plugins.HookResult, error) {
	if auth == nil || auth.Type != models.AuthTypeOAuth {
		return nil, nil
	}
	access := auth.Access
	if auth.Refresh != "" && time.Until(auth.ExpiresAt) < refreshLeeway {
		key := p.providerID + ":" + auth.AccountID
		fresh, err, _ := p.refresh.Do(key, func() (interface{}, error) {
			return p.refreshToken(ctx, auth)
		})
		if err != nil {
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}
		access = fresh.(string)
	}
	return plugins.Merge(map[string]interface{}{
		"$apiKey":   access,
		"$authType": models.AuthTypeOAuth,
	}), nil
}

func (p *OAuthBrowser) refreshToken(ctx context.Context, auth *models.AuthRecord) (string, error) {
	source := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: auth.Refresh})
	token, err := source.Token()
	if err != nil {
		return "", err
	}

	rec := *auth
	rec.Access = token.AccessToken
	if token.RefreshToken != "" {
		rec.Refresh = token.RefreshToken
	}
	rec.ExpiresAt = token.Expiry
	if err := p.auth.Set(rec); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	log.Printf("🔑 Refreshed OAuth token for %s", p.providerID)
	return token.AccessToken, nil
}

func tokenResult(token *oauth2.Token) *plugins.AuthResult {
	result := &plugins.AuthResult{
		Type:      models.AuthTypeOAuth,
		Access:    token.AccessToken,
		Refresh:   token.RefreshToken,
		ExpiresAt: token.Expiry,
	}
	if account, ok := token.Extra("account_id").(string); ok {
		result.AccountID = account
	}
	return result
}
