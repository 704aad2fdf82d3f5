package plugins

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// preferredCallbackPort is tried first for the loopback redirect;
	// a random high port is used when it is taken.
	preferredCallbackPort = 51121
	callbackPath          = "/oauth-callback"
)

// OAuthHelper is the oauth capability object handed to Authorize calls:
// redirect URL construction, the browser-mediated authorization-code flow,
// and callback URL parsing.
type OAuthHelper struct {
	// Launch opens a URL in the user's browser. Injected by the host;
	// defaults to logging the URL for manual opening.
	Launch func(url string) error
}

// NewOAuthHelper builds a helper. launch may be nil.
func NewOAuthHelper(launch func(string) error) *OAuthHelper {
	if launch == nil {
		launch = func(u string) error {
			log.Printf("🔗 Open this URL to continue authentication:\n%s", u)
			return nil
		}
	}
	return &OAuthHelper{Launch: launch}
}

// RedirectURL builds the loopback redirect for a given port.
func (h *OAuthHelper) RedirectURL(port int) string {
	return fmt.Sprintf("http://localhost:%d%s", port, callbackPath)
}

// ParseCallback extracts code and state from a raw callback URL.
func (h *OAuthHelper) ParseCallback(raw string) (code, state string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("authorization failed: %s", e)
	}
	code = q.Get("code")
	if code == "" {
		return "", "", fmt.Errorf("callback URL is missing code")
	}
	return code, q.Get("state"), nil
}

// AuthorizeBrowser runs the whole authorization-code-with-PKCE round trip:
// loopback callback server, browser launch, code wait, token exchange.
// Cancelling ctx aborts the wait and shuts the server down.
func (h *OAuthHelper) AuthorizeBrowser(ctx context.Context, cfg *oauth2.Config, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", preferredCallbackPort))
	if err != nil {
		listener, err = net.Listen("tcp", "localhost:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback server: %w", err)
		}
	}
	port := listener.Addr().(*net.TCPAddr).Port

	// cfg is caller-owned; copy before overriding the redirect.
	flowCfg := *cfg
	flowCfg.RedirectURL = h.RedirectURL(port)

	stateBytes := make([]byte, 16)
	rand.Read(stateBytes)
	state := hex.EncodeToString(stateBytes)

	verifier := oauth2.GenerateVerifier()

	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			resultCh <- callbackResult{err: fmt.Errorf("invalid state token")}
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			resultCh <- callbackResult{err: fmt.Errorf("authorization failed: %s", e)}
			http.Error(w, "Authorization failed: "+e, http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			resultCh <- callbackResult{err: fmt.Errorf("callback is missing code")}
			http.Error(w, "Missing code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html><html><body style="font-family:sans-serif;text-align:center;margin-top:50px"><h2>✅ Authentication complete</h2><p>You can close this window.</p></body></html>`)
		resultCh <- callbackResult{code: code}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ OAuth callback server error: %v", err)
		}
	}()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	defer shutdown()

	authURL := flowCfg.AuthCodeURL(state,
		append([]oauth2.AuthCodeOption{
			oauth2.AccessTypeOffline,
			oauth2.S256ChallengeOption(verifier),
		}, opts...)...)
	if err := h.Launch(authURL); err != nil {
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		token, err := flowCfg.Exchange(ctx, result.code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("token exchange failed: %w", err)
		}
		return token, nil
	}
}
