package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	devicePollDefault = 5 * time.Second
	// slowDownStep is the mandated backoff increase on a slow_down reply,
	// per RFC 8628 §3.5.
	slowDownStep = 5 * time.Second
)

// DeviceCode runs the device-authorization-grant flow for one provider: the
// user enters a short code on a secondary device while we poll the token
// endpoint until approval, denial or expiry.
type DeviceCode struct {
	providerID string
	cfg        *oauth2.Config
	auth       *authstore.Store
	client     *http.Client

	refresh singleflight.Group
}

// NewDeviceCode builds the plugin. cfg.Endpoint must carry DeviceAuthURL
// and TokenURL.
func NewDeviceCode(providerID string, cfg *oauth2.Config, auth *authstore.Store) *DeviceCode {
	return &DeviceCode{
		providerID: providerID,
		cfg:        cfg,
		auth:       auth,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *DeviceCode) ID() string                   { return "device-" + p.providerID }
func (p *DeviceCode) SupportedProviders() []string { return []string{p.providerID} }
func (p *DeviceCode) AuthProvider() string         { return p.providerID }

func (p *DeviceCode) Methods(ctx context.Context, mc *plugins.MethodContext) ([]plugins.AuthMethod, error) {
	return []plugins.AuthMethod{{
		ID:    "device",
		Label: "Sign in with device code",
		Type:  "device",
	}}, nil
}

func (p *DeviceCode) Authorize(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
	da, err := p.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}

	verification := da.VerificationURIComplete
	if verification == "" {
		verification = da.VerificationURI
	}
	log.Printf("🔑 Device flow for %s: enter code %s at %s", p.providerID, da.UserCode, da.VerificationURI)
	if req.OAuth != nil {
		_ = req.OAuth.Launch(verification)
	}

	token, err := p.poll(ctx, da)
	if err != nil {
		return nil, err
	}
	return tokenResult(token), nil
}

// deviceTokenReply is the token endpoint response during polling. The error
// field carries the RFC 8628 progress codes.
type deviceTokenReply struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// poll hits the token endpoint until the grant resolves. The interval comes
// from the device authorization response; slow_down raises it. The context
// is checked between attempts so an abort never waits out a full interval.
func (p *DeviceCode) poll(ctx context.Context, da *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	interval := devicePollDefault
	if da.Interval > 0 {
		interval = time.Duration(da.Interval) * time.Second
	}
	expiry := da.Expiry

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if !expiry.IsZero() && time.Now().After(expiry) {
			return nil, fmt.Errorf("device code expired before approval")
		}

		reply, err := p.requestToken(ctx, da.DeviceCode)
		if err != nil {
			return nil, err
		}
		switch reply.Error {
		case "":
			token := &oauth2.Token{
				AccessToken:  reply.AccessToken,
				RefreshToken: reply.RefreshToken,
			}
			if reply.ExpiresIn > 0 {
				token.Expiry = time.Now().Add(time.Duration(reply.ExpiresIn) * time.Second)
			}
			if token.AccessToken == "" {
				return nil, fmt.Errorf("token endpoint returned no access token")
			}
			return token, nil
		case "authorization_pending":
			continue
		case "slow_down":
			interval += slowDownStep
		case "expired_token":
			return nil, fmt.Errorf("device code expired before approval")
		case "access_denied":
			return nil, fmt.Errorf("authorization was denied")
		default:
			return nil, fmt.Errorf("device flow failed: %s", reply.Error)
		}
	}
}

func (p *DeviceCode) requestToken(ctx context.Context, deviceCode string) (*deviceTokenReply, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {p.cfg.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token poll failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	var reply deviceTokenReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	return &reply, nil
}

// LoadAuthOptions mirrors the browser plugin: refresh near expiry,
// single-flighted per provider+account.
func (p *DeviceCode) LoadAuthOptions(ctx context.Context, auth *models.AuthRecord, provider *models.Provider) (*plugins.HookResult, error) {
	if auth == nil || auth.Type != models.AuthTypeOAuth {
		return nil, nil
	}
	access := auth.Access
	if auth.Refresh != "" && time.Until(auth.ExpiresAt) < refreshLeeway {
		key := p.providerID + ":" + auth.AccountID
		fresh, err, _ := p.refresh.Do(key, func() (interface{}, error) {
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
			return token.AccessToken, nil
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
