package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusSnapshot = `{
	"testprov": {
		"id": "testprov",
		"name": "Test Provider",
		"api": "https://api.test.example/v1",
		"models": {
			"live-model": {"id": "live-model", "name": "Live", "status": "active"},
			"alpha-model": {"id": "alpha-model", "name": "Alpha", "status": "alpha"},
			"old-model": {"id": "old-model", "name": "Old", "status": "deprecated"},
			"gpt-4": {"id": "gpt-4", "name": "GPT-4", "status": "active"}
		}
	}
}`

func newTestRegistry(t *testing.T, cfg *config.Config, snapshot string) (*Registry, *authstore.Store, *events.Bus) {
	t.Helper()
	snapServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(snapshot))
	}))
	t.Cleanup(snapServer.Close)
	t.Setenv("BRIDGE_REGISTRY_URL", snapServer.URL)

	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store := db.NewStore(gdb)
	bus := events.NewBus()
	auth := authstore.New(store, bus)
	reg := New(store, cfg, plugins.NewManager(), auth, bus, NewModelsDevClient(store))
	return reg, auth, bus
}

func modelIDs(rows []models.ProviderModel) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ModelID)
	}
	return ids
}

func TestRefreshDropsAlphaAndDeprecated(t *testing.T) {
	reg, _, _ := newTestRegistry(t, &config.Config{}, statusSnapshot)

	require.NoError(t, reg.Refresh(context.Background()))
	rows, err := reg.ListModels("testprov", false)
	require.NoError(t, err)

	ids := modelIDs(rows)
	assert.Contains(t, ids, "live-model")
	assert.Contains(t, ids, "gpt-4")
	assert.NotContains(t, ids, "alpha-model")
	assert.NotContains(t, ids, "old-model")
}

func TestRefreshHonorsBlacklist(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"testprov": {Blacklist: []string{"gpt-4"}},
	}}
	reg, _, _ := newTestRegistry(t, cfg, statusSnapshot)

	require.NoError(t, reg.Refresh(context.Background()))
	rows, err := reg.ListModels("testprov", false)
	require.NoError(t, err)

	ids := modelIDs(rows)
	assert.NotContains(t, ids, "gpt-4")
	assert.Contains(t, ids, "live-model")
}

func TestRefreshHonorsWhitelist(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"testprov": {Whitelist: []string{"gpt-4"}},
	}}
	reg, _, _ := newTestRegistry(t, cfg, statusSnapshot)

	require.NoError(t, reg.Refresh(context.Background()))
	rows, err := reg.ListModels("testprov", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4"}, modelIDs(rows))
}

func TestRefreshDisabledProviderExcluded(t *testing.T) {
	cfg := &config.Config{DisabledProviders: []string{"testprov"}}
	reg, _, _ := newTestRegistry(t, cfg, statusSnapshot)

	require.NoError(t, reg.Refresh(context.Background()))
	_, err := reg.GetProvider("testprov")
	require.ErrorIs(t, err, ErrProviderNotFound)
}

func TestRefreshModelOverrides(t *testing.T) {
	cost := 0.5
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"testprov": {Models: map[string]config.ModelOverride{
			"live-model": {Name: "Renamed", CostInput: &cost},
			"gpt-4":      {Disabled: true},
		}},
	}}
	reg, _, _ := newTestRegistry(t, cfg, statusSnapshot)

	require.NoError(t, reg.Refresh(context.Background()))

	row, err := reg.GetModel("testprov", "live-model")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", row.Name)
	assert.Equal(t, 0.5, row.CostInput)

	_, err = reg.GetModel("testprov", "gpt-4")
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestConfigOnlyModelSynthesized(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"selfhosted": {
			BaseURL: "http://localhost:11434/v1",
			Models: map[string]config.ModelOverride{
				"local-llama": {Name: "Local Llama"},
			},
		},
	}}
	reg, _, _ := newTestRegistry(t, cfg, statusSnapshot)

	require.NoError(t, reg.Refresh(context.Background()))

	provider, err := reg.GetProvider("selfhosted")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSourceConfig, provider.Source)

	row, err := reg.GetModel("selfhosted", "local-llama")
	require.NoError(t, err)
	assert.Equal(t, "Local Llama", row.Name)
	assert.Equal(t, "http://localhost:11434/v1", row.EndpointURL)
	assert.Equal(t, models.ModelStatusActive, row.Status)
}

func TestEnsureRefreshesOnce(t *testing.T) {
	reg, _, _ := newTestRegistry(t, &config.Config{}, statusSnapshot)

	require.NoError(t, reg.Ensure(context.Background()))
	providers, err := reg.ListProviders()
	require.NoError(t, err)
	require.NotEmpty(t, providers)

	// A second Ensure must not rebuild; catalog reads see the same data.
	require.NoError(t, reg.Ensure(context.Background()))
	again, err := reg.ListProviders()
	require.NoError(t, err)
	assert.Equal(t, len(providers), len(again))
}

func TestConnectedDerivedFromAuth(t *testing.T) {
	reg, auth, _ := newTestRegistry(t, &config.Config{}, statusSnapshot)
	require.NoError(t, auth.Set(models.AuthRecord{ProviderID: "testprov", Type: models.AuthTypeAPI, Key: "sk-1"}))

	require.NoError(t, reg.Refresh(context.Background()))
	provider, err := reg.GetProvider("testprov")
	require.NoError(t, err)
	assert.True(t, provider.Connected)

	rows, err := reg.ListModels("", true)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)

	require.NoError(t, auth.Remove("testprov"))
	require.NoError(t, reg.RefreshProvider(context.Background(), "testprov"))
	provider, err = reg.GetProvider("testprov")
	require.NoError(t, err)
	assert.False(t, provider.Connected)
}

func TestRefreshProviderLeavesOthersAlone(t *testing.T) {
	two := `{
		"prova": {"id": "prova", "name": "A", "api": "https://a.example", "models": {"m": {"id": "m"}}},
		"provb": {"id": "provb", "name": "B", "api": "https://b.example", "models": {"m": {"id": "m"}}}
	}`
	reg, _, _ := newTestRegistry(t, &config.Config{}, two)

	require.NoError(t, reg.Refresh(context.Background()))
	require.NoError(t, reg.RefreshProvider(context.Background(), "prova"))

	providers, err := reg.ListProviders()
	require.NoError(t, err)
	assert.Len(t, providers, 2)
}

func TestRefreshPublishesEvents(t *testing.T) {
	reg, _, bus := newTestRegistry(t, &config.Config{}, statusSnapshot)
	ch, cancel := bus.Subscribe()
	defer cancel()

	require.NoError(t, reg.Refresh(context.Background()))

	topics := map[events.Topic]bool{}
	for len(topics) < 3 {
		evt := <-ch
		topics[evt.Topic] = true
	}
	assert.True(t, topics[events.TopicCatalogRefreshed])
	assert.True(t, topics[events.TopicProvidersChanged])
	assert.True(t, topics[events.TopicModelsChanged])
}
