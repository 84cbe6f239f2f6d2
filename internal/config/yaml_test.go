package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_YAML_Support(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	yamlConfig := `
host: "0.0.0.0"
port: 8080
api_key: "gateway-key"
providers:
  - name: "anthropic-main"
    protocol: "anthropic"
    endpoint: "https://api.anthropic.com/v1/messages"
    api_keys: ["key-a", "key-b", "key-c"]
    key_strategy: "least_used"
    health_url: "https://api.anthropic.com/v1/models"
  - name: "gemini-pool"
    protocol: "gemini"
    endpoint: "https://generativelanguage.googleapis.com/v1beta/models/{model}:generateContent"
    api_keys: ["g-key"]
router:
  categories:
    default:
      providers:
        - provider: "anthropic-main"
          weight: 2
        - provider: "gemini-pool"
          model: "gemini-1.5-pro"
          weight: 1
      strategy: "weighted_round_robin"
    longcontext:
      providers:
        - provider: "gemini-pool"
          model: "gemini-1.5-pro"
      fallback: true
  long_context_threshold: 50000
  search_keywords: ["search", "lookup"]
breaker:
  failure_threshold: 3
  recovery_seconds: 10
`

	yamlPath := filepath.Join(tempDir, DefaultYAMLFilename)
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0644))

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "gateway-key", cfg.APIKey)

	require.Len(t, cfg.Providers, 2)
	main := cfg.Providers[0]
	assert.Equal(t, "least_used", main.KeyStrategy)
	assert.Equal(t, "https://api.anthropic.com/v1/models", main.HealthURL)
	assert.Len(t, main.APIKeys, 3)

	assert.Equal(t, 50000, cfg.Router.LongContextThreshold)
	assert.Equal(t, []string{"search", "lookup"}, cfg.Router.SearchKeywords)
	assert.True(t, cfg.Router.Categories["longcontext"].Fallback)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10, cfg.Breaker.RecoverySeconds)
}

func TestManager_YAML_Takes_Precedence(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	jsonConfig := `{
		"port": 6970,
		"providers": [
			{"name": "json-provider", "protocol": "openai", "endpoint": "https://x", "api_keys": ["jk"]}
		],
		"router": {"categories": {"default": {"providers": [{"provider": "json-provider"}]}}}
	}`

	yamlConfig := `
port: 8080
providers:
  - name: "yaml-provider"
    protocol: "openai"
    endpoint: "https://y"
    api_keys: ["yk"]
router:
  categories:
    default:
      providers:
        - provider: "yaml-provider"
`

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultConfigFilename), []byte(jsonConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultYAMLFilename), []byte(yamlConfig), 0644))

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "yaml-provider", cfg.Providers[0].Name)
}

func TestManager_SaveAsYAML(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir)

	cfg := &Config{
		Host: "127.0.0.1",
		Port: 7000,
		Providers: []Provider{{
			Name:     "anthropic-main",
			Protocol: "anthropic",
			Endpoint: "https://api.anthropic.com/v1/messages",
			APIKeys:  []string{"k1"},
		}},
		Router: RouterConfig{
			Categories: map[string]Category{
				"default": {Providers: []ProviderRef{{Provider: "anthropic-main"}}},
			},
		},
	}

	require.NoError(t, mgr.SaveYAML(cfg))
	assert.Equal(t, filepath.Join(tempDir, DefaultYAMLFilename), mgr.GetPath())

	loaded, err := NewManager(tempDir).Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic-main", loaded.Providers[0].Name)
	assert.Equal(t, 7000, loaded.Port)
}
