package registry

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
)

const (
	defaultRegistryURL  = "https://models.dev/api.json"
	registryFetchTimeout = 15 * time.Second
	snapshotCacheTTL     = 30 * time.Minute
	snapshotCacheKey     = "models.dev"
)

//go:embed snapshot.json
var bundledSnapshot []byte

// Snapshot is the normalized remote model registry payload: provider id to
// provider definition.
type Snapshot map[string]SnapshotProvider

// SnapshotProvider mirrors one models.dev provider entry.
type SnapshotProvider struct {
	ID     string                   `json:"id"`
	Name   string                   `json:"name"`
	Env    []string                 `json:"env"`
	NPM    string                   `json:"npm"`
	API    string                   `json:"api"`
	Models map[string]SnapshotModel `json:"models"`
}

// SnapshotModel mirrors one models.dev model entry. Status defaults to
// active when the upstream payload omits it.
type SnapshotModel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Family string `json:"family"`
	Status string `json:"status"`

	Attachment  bool `json:"attachment"`
	Reasoning   bool `json:"reasoning"`
	Temperature bool `json:"temperature"`
	ToolCall    bool `json:"tool_call"`

	Modalities struct {
		Input  []string `json:"input"`
		Output []string `json:"output"`
	} `json:"modalities"`

	Cost struct {
		Input      float64 `json:"input"`
		Output     float64 `json:"output"`
		CacheRead  float64 `json:"cache_read"`
		CacheWrite float64 `json:"cache_write"`
	} `json:"cost"`

	Limit struct {
		Context int `json:"context"`
		Output  int `json:"output"`
	} `json:"limit"`
}

// ModelsDevClient fetches the remote registry snapshot with its own cache
// cadence: memory TTL cache, then HTTP, then the last persisted good
// payload, then the bundled static snapshot.
type ModelsDevClient struct {
	httpClient *http.Client
	url        string
	cache      *gocache.Cache
	store      *db.Store
}

// NewModelsDevClient builds the snapshot client. store persists the last
// good payload across restarts.
func NewModelsDevClient(store *db.Store) *ModelsDevClient {
	url := strings.TrimSpace(os.Getenv("BRIDGE_REGISTRY_URL"))
	if url == "" {
		url = defaultRegistryURL
	}
	return &ModelsDevClient{
		httpClient: &http.Client{Timeout: registryFetchTimeout},
		url:        url,
		cache:      gocache.New(snapshotCacheTTL, 10*time.Minute),
		store:      store,
	}
}

// Fetch returns the current snapshot, hitting the network only when the
// memory cache has expired. Network failures fall back to the persisted
// snapshot, then to the bundled one.
func (c *ModelsDevClient) Fetch(ctx context.Context) (Snapshot, error) {
	if cached, ok := c.cache.Get(snapshotCacheKey); ok {
		return cached.(Snapshot), nil
	}

	snapshot, raw, err := c.fetchRemote(ctx)
	if err == nil {
		c.cache.Set(snapshotCacheKey, snapshot, gocache.DefaultExpiration)
		if err := c.store.SetConfig(models.ConfigKeyCatalogSnapshot, string(raw)); err != nil {
			log.Printf("⚠️ Failed to persist registry snapshot: %v", err)
		}
		return snapshot, nil
	}
	log.Printf("⚠️ Registry fetch failed, falling back to cached snapshot: %v", err)

	if persisted := c.store.GetConfig(models.ConfigKeyCatalogSnapshot); persisted != "" {
		if snapshot, perr := parseSnapshot([]byte(persisted)); perr == nil {
			c.cache.Set(snapshotCacheKey, snapshot, gocache.DefaultExpiration)
			return snapshot, nil
		}
	}

	snapshot, berr := parseSnapshot(bundledSnapshot)
	if berr != nil {
		return nil, fmt.Errorf("registry fetch failed and no usable fallback: %w", err)
	}
	return snapshot, nil
}

func (c *ModelsDevClient) fetchRemote(ctx context.Context) (Snapshot, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read registry response: %w", err)
	}
	snapshot, err := parseSnapshot(raw)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, raw, nil
}

func parseSnapshot(raw []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse registry snapshot: %w", err)
	}
	// Backfill ids and statuses so downstream code can rely on them.
	for pid, provider := range snapshot {
		if provider.ID == "" {
			provider.ID = pid
		}
		for mid, model := range provider.Models {
			if model.ID == "" {
				model.ID = mid
			}
			if model.Status == "" {
				model.Status = models.ModelStatusActive
			}
			provider.Models[mid] = model
		}
		snapshot[pid] = provider
	}
	return snapshot, nil
}
