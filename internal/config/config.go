// Package config loads, validates and persists the gateway configuration.
// JSON and YAML are both supported; when both files exist the YAML one wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"

	DefaultLongContextThreshold = 60000
	DefaultFailureThreshold     = 5
	DefaultRecoverySeconds      = 30
)

// Provider declares one upstream provider: its protocol family, endpoint and
// the API key pool the gateway rotates through.
type Provider struct {
	Name                   string   `json:"name" yaml:"name"`
	Protocol               string   `json:"protocol" yaml:"protocol"`
	Endpoint               string   `json:"endpoint" yaml:"endpoint"`
	APIKeys                []string `json:"api_keys" yaml:"api_keys"`
	KeyStrategy            string   `json:"key_strategy,omitempty" yaml:"key_strategy,omitempty"`
	HealthURL              string   `json:"health_url,omitempty" yaml:"health_url,omitempty"`
	TimeoutSeconds         int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	RateLimitCooldownSecs  int      `json:"rate_limit_cooldown_seconds,omitempty" yaml:"rate_limit_cooldown_seconds,omitempty"`
	Models                 []string `json:"models,omitempty" yaml:"models,omitempty"`
}

// Timeout returns the per-call timeout, zero meaning "use the client default".
func (p *Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ProviderRef points a routing category at a provider, optionally pinning a
// model and a load-balancing weight.
type ProviderRef struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	Weight   int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Category is one routing table entry: the candidate providers and how to
// pick among them.
type Category struct {
	Providers []ProviderRef `json:"providers" yaml:"providers"`
	Strategy  string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Fallback  bool          `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// RouterConfig holds the category tables plus the classification tunables.
type RouterConfig struct {
	Categories           map[string]Category          `json:"categories" yaml:"categories"`
	ModelMappings        map[string]map[string]string `json:"model_mappings,omitempty" yaml:"model_mappings,omitempty"`
	LongContextThreshold int                          `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty"`
	SearchKeywords       []string                     `json:"search_keywords,omitempty" yaml:"search_keywords,omitempty"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	RecoverySeconds  int `json:"recovery_seconds,omitempty" yaml:"recovery_seconds,omitempty"`
}

func (b *BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoverySeconds) * time.Second
}

type Config struct {
	Host      string        `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int           `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey    string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	LogLevel  string        `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Providers []Provider    `json:"providers" yaml:"providers"`
	Router    RouterConfig  `json:"router" yaml:"router"`
	Breaker   BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Provider looks a provider up by name.
func (c *Config) Provider(name string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Router.LongContextThreshold == 0 {
		c.Router.LongContextThreshold = DefaultLongContextThreshold
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.RecoverySeconds == 0 {
		c.Breaker.RecoverySeconds = DefaultRecoverySeconds
	}
}

// Validate rejects configurations the gateway could not serve with: providers
// without keys or endpoints, and routing tables pointing at unknown providers.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}

	known := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if known[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		known[p.Name] = true
		if p.Protocol == "" {
			return fmt.Errorf("config: provider %q has no protocol", p.Name)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("config: provider %q has no endpoint", p.Name)
		}
		if len(p.APIKeys) == 0 {
			return fmt.Errorf("config: provider %q has no api keys", p.Name)
		}
	}

	if _, ok := c.Router.Categories["default"]; !ok {
		return fmt.Errorf("config: router needs a %q category", "default")
	}
	for name, cat := range c.Router.Categories {
		if len(cat.Providers) == 0 {
			return fmt.Errorf("config: category %q has no providers", name)
		}
		for _, ref := range cat.Providers {
			if !known[ref.Provider] {
				return fmt.Errorf("config: category %q references unknown provider %q", name, ref.Provider)
			}
		}
	}
	return nil
}

// Manager owns the config files for a base directory and serves the current
// config lock-free via atomic.Value.
type Manager struct {
	jsonPath    string
	yamlPath    string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

// Load reads and validates the config from disk, preferring YAML.
func (m *Manager) Load() (*Config, error) {
	path, unmarshal := m.pick()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) pick() (string, func([]byte, any) error) {
	if _, err := os.Stat(m.yamlPath); err == nil {
		return m.yamlPath, yaml.Unmarshal
	}
	return m.jsonPath, json.Unmarshal
}

// Get returns the last loaded config, loading lazily on first use. A missing
// or broken file yields a minimal default config rather than a nil.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		fallback := &Config{}
		fallback.applyDefaults()
		return fallback
	}
	return cfg
}

// Save writes the config as JSON to the manager's JSON path.
func (m *Manager) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return m.write(m.jsonPath, data, cfg)
}

// SaveYAML writes the config as YAML to the manager's YAML path.
func (m *Manager) SaveYAML(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return m.write(m.yamlPath, data, cfg)
}

func (m *Manager) write(path string, data []byte, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	if _, err := os.Stat(m.yamlPath); err == nil {
		return m.yamlPath
	}
	return m.jsonPath
}

func (m *Manager) Exists() bool {
	_, yamlErr := os.Stat(m.yamlPath)
	_, jsonErr := os.Stat(m.jsonPath)
	return yamlErr == nil || jsonErr == nil
}
