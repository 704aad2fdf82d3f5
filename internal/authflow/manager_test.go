package authflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog satisfies the Catalog surface without a registry.
type fakeCatalog struct {
	mu        sync.Mutex
	refreshed []string
}

func (c *fakeCatalog) GetProvider(id string) (*models.Provider, error) {
	return &models.Provider{ID: id, Name: id}, nil
}

func (c *fakeCatalog) RefreshProvider(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = append(c.refreshed, id)
	return nil
}

func (c *fakeCatalog) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refreshed)
}

// fakeAuthPlugin exposes one method and delegates authorize to the test.
type fakeAuthPlugin struct {
	authorize func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error)
}

func (p *fakeAuthPlugin) ID() string                   { return "fake" }
func (p *fakeAuthPlugin) SupportedProviders() []string { return []string{plugins.Wildcard} }
func (p *fakeAuthPlugin) AuthProvider() string         { return plugins.Wildcard }

func (p *fakeAuthPlugin) Methods(ctx context.Context, mc *plugins.MethodContext) ([]plugins.AuthMethod, error) {
	return []plugins.AuthMethod{{ID: "go", Label: "Connect", Type: "oauth"}}, nil
}

func (p *fakeAuthPlugin) Authorize(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
	return p.authorize(ctx, req)
}

// fakeWindowHost records popup operations.
type fakeWindowHost struct {
	nextID  int
	focused []int
}

func (h *fakeWindowHost) Open(url string) (int, error) {
	h.nextID++
	return h.nextID, nil
}

func (h *fakeWindowHost) Focus(windowID int) bool {
	h.focused = append(h.focused, windowID)
	return true
}

func newTestManager(t *testing.T, authorize func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error)) (*Manager, *authstore.Store, *fakeCatalog, *fakeWindowHost) {
	t.Helper()
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store := db.NewStore(gdb)
	bus := events.NewBus()
	auth := authstore.New(store, bus)

	pm := plugins.NewManager()
	pm.Register(&fakeAuthPlugin{authorize: authorize})

	catalog := &fakeCatalog{}
	windows := &fakeWindowHost{}
	m := NewManager(pm, auth, catalog, bus, windows, plugins.NewOAuthHelper(func(string) error { return nil }))
	return m, auth, catalog, windows
}

func waitForStatus(t *testing.T, m *Manager, providerID string, want Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.GetFlow(context.Background(), providerID)
		require.NoError(t, err)
		if snap.Status == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("flow for %s never reached %s", providerID, want)
	return Snapshot{}
}

func TestGetFlowBuildsIdleSnapshot(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)

	snap, err := m.GetFlow(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Status)
	assert.False(t, snap.CanCancel)
	require.Len(t, snap.Methods, 1)
	assert.Equal(t, "fake:go", snap.Methods[0].ID)
}

func TestStartSuccessPersistsCredential(t *testing.T) {
	m, auth, catalog, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		return &plugins.AuthResult{Type: models.AuthTypeAPI, Key: "sk-new"}, nil
	})

	snap, err := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.False(t, snap.CanCancel)

	rec, err := auth.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", rec.Key)
	assert.Equal(t, 1, catalog.refreshCount())
}

func TestStartWhileAuthorizingRejected(t *testing.T) {
	release := make(chan struct{})
	m, _, _, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		<-release
		return &plugins.AuthResult{Type: models.AuthTypeAPI, Key: "sk-1"}, nil
	})

	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
		done <- snap
	}()
	waitForStatus(t, m, "openai", StatusAuthorizing)

	_, err := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	require.ErrorIs(t, err, ErrFlowActive)

	// The rejection leaves the in-flight flow untouched.
	snap, err := m.GetFlow(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorizing, snap.Status)
	assert.True(t, snap.CanCancel)

	close(release)
	final := <-done
	assert.Equal(t, StatusSuccess, final.Status)
}

func TestCancelPropagatesAbort(t *testing.T) {
	aborted := make(chan struct{})
	m, auth, _, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	})

	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
		done <- snap
	}()
	waitForStatus(t, m, "openai", StatusAuthorizing)

	m.Cancel("openai", "")

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("abort signal never reached the plugin")
	}
	<-done

	// The canceled snapshot survives until a new start replaces it.
	snap, err := m.GetFlow(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, snap.Status)
	assert.False(t, snap.CanCancel)
	assert.Equal(t, "Authentication canceled.", snap.Error)

	// No credential was written.
	_, err = auth.Get("openai")
	require.ErrorIs(t, err, authstore.ErrNotFound)
}

func TestAuthorizeErrorBecomesErrorState(t *testing.T) {
	m, _, _, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		return nil, errors.New("issuer unreachable")
	})

	snap, err := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "issuer unreachable", snap.Error)
}

func TestStartAfterTerminalBeginsFresh(t *testing.T) {
	var attempts int
	m, _, _, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("first try fails")
		}
		return &plugins.AuthResult{Type: models.AuthTypeAPI, Key: "sk-2"}, nil
	})

	snap, err := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, snap.Status)

	snap, err = m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.Empty(t, snap.Error)
}

func TestUnknownMethodRejected(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)

	_, err := m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown auth method")
}

func TestWindowClosedCancelsFlow(t *testing.T) {
	m, _, _, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	snap, err := m.OpenWindow(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Status)

	go func() {
		_, _ = m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	}()
	waitForStatus(t, m, "openai", StatusAuthorizing)

	m.HandleWindowClosed(1)

	snap = waitForStatus(t, m, "openai", StatusCanceled)
	assert.Equal(t, "Authentication canceled.", snap.Error)
}

func TestOpenWindowRefocusesExisting(t *testing.T) {
	m, _, _, windows := newTestManager(t, nil)

	_, err := m.OpenWindow(context.Background(), "openai")
	require.NoError(t, err)
	_, err = m.OpenWindow(context.Background(), "openai")
	require.NoError(t, err)

	assert.Equal(t, 1, windows.nextID)
	assert.Equal(t, []int{1}, windows.focused)
}

func TestSweepExpiresStaleFlow(t *testing.T) {
	m, _, _, _ := newTestManager(t, func(ctx context.Context, req plugins.AuthorizeRequest) (*plugins.AuthResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	go func() {
		_, _ = m.Start(context.Background(), StartInput{ProviderID: "openai", MethodID: "fake:go"})
	}()
	waitForStatus(t, m, "openai", StatusAuthorizing)

	// Backdate the flow past the TTL, then sweep.
	m.mu.Lock()
	m.flows["openai"].updatedAt = time.Now().Add(-flowTTL - time.Minute)
	m.mu.Unlock()
	m.sweep()

	snap := waitForStatus(t, m, "openai", StatusCanceled)
	assert.Equal(t, "Authentication expired.", snap.Error)
}
