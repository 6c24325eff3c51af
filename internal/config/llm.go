// Package config loads the runtime's operator-owned configuration files:
// llm_config, permissions, approvals, and the skill router policy. Files may
// be JSON or YAML; a missing optional file yields defaults, never an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one upstream model endpoint.
type ProviderConfig struct {
	// Provider kind: "api" (OpenAI-compatible HTTP), "zhipu" (same wire
	// shape, different endpoint conventions) or "gemini" (genai SDK).
	Provider string `json:"provider" yaml:"provider"`
	// Enabled gates the provider without removing it from its groups.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// Endpoint is the base URL; ${VAR} tokens are expanded from the
	// environment at load time.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Model    string `json:"model" yaml:"model"`
	// KeyEnv names the environment variable holding the API key. APIKey is
	// the inline fallback when the variable is unset.
	KeyEnv     string  `json:"key_env" yaml:"key_env"`
	APIKey     string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	TimeoutSec float64 `json:"timeout_sec" yaml:"timeout_sec"`
}

// IsEnabled treats a missing enabled flag as true.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolveKey returns the API key, preferring the environment variable.
func (p ProviderConfig) ResolveKey() string {
	if p.KeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(p.KeyEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(p.APIKey)
}

// RoutingPolicy tunes candidate ordering and work-memory bias.
type RoutingPolicy struct {
	// TaskPreferences prepends groups per task type; "*" is the wildcard
	// fallback applied when a task has no entry.
	TaskPreferences map[string][]string `json:"task_preferences" yaml:"task_preferences"`
	TaskSkillPacks  map[string][]string `json:"task_skill_packs" yaml:"task_skill_packs"`
	// WorkMemoryStrength: conservative | balanced | aggressive.
	WorkMemoryStrength string `json:"work_memory_strength" yaml:"work_memory_strength"`
}

// LLMConfig is the full llm_config document.
type LLMConfig struct {
	APILiveEnabled bool                      `json:"api_live_enabled" yaml:"api_live_enabled"`
	ProviderGroups map[string][]string       `json:"provider_groups" yaml:"provider_groups"`
	Providers      map[string]ProviderConfig `json:"providers" yaml:"providers"`
	RoutingPolicy  RoutingPolicy             `json:"routing_policy" yaml:"routing_policy"`
}

var envToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envToken.ReplaceAllStringFunc(s, func(tok string) string {
		name := tok[2 : len(tok)-1]
		return os.Getenv(name)
	})
}

// LoadLLMConfig reads llm_config.json (or .yaml/.yml) from baseDir. A
// missing or malformed file returns an empty config.
func LoadLLMConfig(baseDir string) LLMConfig {
	var cfg LLMConfig
	if err := loadDocument(baseDir, "llm_config", &cfg); err != nil {
		return LLMConfig{}
	}
	for name, p := range cfg.Providers {
		p.Endpoint = expandEnv(p.Endpoint)
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	if TestGuardActive() {
		cfg.APILiveEnabled = false
	}
	return cfg
}

// TestGuardActive reports whether a test environment guard forces live API
// calls off regardless of configuration.
func TestGuardActive() bool {
	return os.Getenv("AZIMIND_TEST_GUARD") != "" || os.Getenv("PYTEST_CURRENT_TEST") != ""
}

// loadDocument looks for stem.json, stem.yaml, stem.yml in order and decodes
// the first that exists.
func loadDocument(baseDir, stem string, out any) error {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(baseDir, stem+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		data = stripBOM(data)
		if ext == ".json" {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			return nil
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	return os.ErrNotExist
}

func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}
