// Package config loads and validates the engine configuration: relays,
// storage paths, LLM providers and defaults, tool deny policies, and
// observability settings. YAML on disk, secrets from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/hive/internal/llm"
	"github.com/haasonsaas/hive/internal/observability"
)

// AnthropicConfig holds the Anthropic provider settings.
type AnthropicConfig struct {
	// APIKey falls back to the ANTHROPIC_API_KEY environment variable.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// OpenAIConfig holds the OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey falls back to the OPENAI_API_KEY environment variable.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LLMSettings selects providers and per-role defaults.
type LLMSettings struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`

	// Defaults maps config names to provider settings. The engine reads
	// agents, analyze, orchestrator, and summarization.
	Defaults map[string]llm.Config `yaml:"defaults"`

	// Fallback is used when a requested config name is unknown.
	Fallback string `yaml:"fallback"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the full engine configuration.
type Config struct {
	// Relays lists the relay URLs the bus connects to.
	Relays []string `yaml:"relays"`

	// HomeBasePath roots per-agent home directories and persisted state.
	HomeBasePath string `yaml:"home_base_path"`

	// AgentsDir holds agent definition YAML files and signer secrets.
	AgentsDir string `yaml:"agents_dir"`

	// WorkBasePath roots per-conversation working directories.
	WorkBasePath string `yaml:"work_base_path"`

	// DatabasePath is the sqlite file; empty selects <home_base>/hive.db.
	DatabasePath string `yaml:"database_path"`

	// GlobalPrompt is an optional project-wide system fragment.
	GlobalPrompt string `yaml:"global_prompt"`

	// Debug asks every agent to narrate its reasoning and tool decisions.
	Debug bool `yaml:"debug"`

	// ToolDeniesByCategory removes tools from agents by category.
	ToolDeniesByCategory map[string][]string `yaml:"tool_denies_by_category"`

	// StatusSchedule is the cron spec for agent-alive status events.
	StatusSchedule string `yaml:"status_schedule"`

	LLM     LLMSettings             `yaml:"llm"`
	Log     observability.LogConfig `yaml:"log"`
	Metrics MetricsConfig           `yaml:"metrics"`
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and environment fallbacks, then checks
// required fields.
func (c *Config) Validate() error {
	if c.HomeBasePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home: %w", err)
		}
		c.HomeBasePath = filepath.Join(home, ".hive")
	}
	if c.AgentsDir == "" {
		c.AgentsDir = filepath.Join(c.HomeBasePath, "agents.d")
	}
	if c.WorkBasePath == "" {
		c.WorkBasePath = filepath.Join(c.HomeBasePath, "work")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.HomeBasePath, "hive.db")
	}
	if c.StatusSchedule == "" {
		c.StatusSchedule = "@every 1m"
	}

	if c.LLM.Anthropic.APIKey == "" {
		c.LLM.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.Anthropic.APIKey == "" && c.LLM.OpenAI.APIKey == "" {
		return errors.New("config: no LLM provider configured (set llm.anthropic.api_key or llm.openai.api_key)")
	}

	if len(c.LLM.Defaults) == 0 {
		c.LLM.Defaults = map[string]llm.Config{}
	}
	defaultProvider := "anthropic"
	defaultModel := c.LLM.Anthropic.Model
	if c.LLM.Anthropic.APIKey == "" {
		defaultProvider = "openai"
		defaultModel = c.LLM.OpenAI.Model
	}
	for _, name := range []string{"agents", "analyze", "orchestrator", "summarization"} {
		if _, ok := c.LLM.Defaults[name]; !ok {
			c.LLM.Defaults[name] = llm.Config{Provider: defaultProvider, Model: defaultModel}
		}
	}
	if c.LLM.Fallback == "" {
		c.LLM.Fallback = "agents"
	}

	if len(c.Relays) == 0 {
		return errors.New("config: at least one relay is required")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9187"
	}
	return nil
}
