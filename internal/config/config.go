// Package config loads the persisted runtime configuration consulted during
// catalog builds: enabled/disabled provider lists, default model selection,
// and per-provider overrides including model whitelist/blacklist.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config is the root runtime configuration record. Loaded once and consulted
// during catalog builds.
type Config struct {
	// EnabledProviders is an allow-list; when non-empty only listed providers
	// are eligible for the catalog.
	EnabledProviders []string `yaml:"enabled_providers"`
	// DisabledProviders are excluded unconditionally.
	DisabledProviders []string `yaml:"disabled_providers"`
	DefaultModel      string   `yaml:"default_model"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig carries per-provider user configuration.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`

	// Whitelist, when non-empty, restricts the model set to listed ids.
	Whitelist []string `yaml:"model_whitelist"`
	// Blacklist excludes listed model ids.
	Blacklist []string `yaml:"model_blacklist"`

	// Models maps model id to override fields. Ids absent from the upstream
	// catalog are synthesized as fully custom models.
	Models map[string]ModelOverride `yaml:"models"`

	Options map[string]interface{} `yaml:"options"`
}

// ModelOverride is applied on top of catalog defaults; nil pointers mean
// "keep the upstream value".
type ModelOverride struct {
	Disabled bool   `yaml:"disabled"`
	Name     string `yaml:"name"`
	Family   string `yaml:"family"`
	Status   string `yaml:"status"`

	EndpointID      string `yaml:"endpoint_id"`
	EndpointURL     string `yaml:"endpoint_url"`
	EndpointPackage string `yaml:"endpoint_package"`

	Headers  map[string]string      `yaml:"headers"`
	Options  map[string]interface{} `yaml:"options"`
	Variants map[string]interface{} `yaml:"variants"`

	CostInput    *float64 `yaml:"cost_input"`
	CostOutput   *float64 `yaml:"cost_output"`
	ContextLimit *int     `yaml:"context_limit"`
	OutputLimit  *int     `yaml:"output_limit"`
}

// Load reads the runtime config from disk. A missing file yields an empty
// config, not an error; a malformed file is an error.
func Load() (*Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return normalize(&Config{}), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return normalize(&cfg), nil
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("BRIDGE_CONFIG")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/bridge.yaml",
		"./bridge.yaml",
		"/etc/bridge/bridge.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "bridge", "bridge.yaml"),
			filepath.Join(homeDir, ".bridge", "bridge.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalize(cfg *Config) *Config {
	cfg.EnabledProviders = normalizeIDs(cfg.EnabledProviders)
	cfg.DisabledProviders = normalizeIDs(cfg.DisabledProviders)

	providers := make(map[string]ProviderConfig, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		nid := NormalizeProviderID(id)
		if !providerIDRegexp.MatchString(nid) {
			continue
		}
		pc.Whitelist = normalizeIDs(pc.Whitelist)
		pc.Blacklist = normalizeIDs(pc.Blacklist)
		providers[nid] = pc
	}
	cfg.Providers = providers
	return cfg
}

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		n := strings.TrimSpace(strings.ToLower(id))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		result = append(result, n)
	}
	return result
}

// NormalizeProviderID lowercases and trims a provider id.
func NormalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ProviderDisabled reports whether id is excluded by config.
func (c *Config) ProviderDisabled(id string) bool {
	id = NormalizeProviderID(id)
	for _, d := range c.DisabledProviders {
		if d == id {
			return true
		}
	}
	if len(c.EnabledProviders) > 0 {
		for _, e := range c.EnabledProviders {
			if e == id {
				return false
			}
		}
		return true
	}
	return false
}

// Provider returns the per-provider config, zero value when absent.
func (c *Config) Provider(id string) ProviderConfig {
	return c.Providers[NormalizeProviderID(id)]
}
