// Package config loads the YAML configuration and applies defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "45s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// D returns the plain time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	App        AppConfig                 `yaml:"app"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	DataSource DataSourceConfig          `yaml:"datasource"`
	Memory     MemoryConfig              `yaml:"memory"`
	Agent      AgentConfig               `yaml:"agent"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	PromptDir string `yaml:"prompt_dir"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

type DataSourceConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	PageSize int    `yaml:"page_size"`
}

type MemoryConfig struct {
	Path    string   `yaml:"path"`
	IdleTTL Duration `yaml:"idle_ttl"`
}

type AgentConfig struct {
	MaxRetries          int      `yaml:"max_retries"`
	StepTimeout         Duration `yaml:"step_timeout"`
	LLMTimeout          Duration `yaml:"llm_timeout"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	PatchMaxBytes       int      `yaml:"patch_max_bytes"`
	SandboxMaxSteps     uint64   `yaml:"sandbox_max_steps"`
}

// LoadConfig reads the YAML file at path and fills in defaults for any
// unset knobs.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "tabletalk"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "tabletalk.db"
	}
	if c.Memory.IdleTTL <= 0 {
		c.Memory.IdleTTL = Duration(30 * time.Minute)
	}
	if c.DataSource.PageSize <= 0 {
		c.DataSource.PageSize = 1000
	}
	if c.Agent.MaxRetries <= 0 {
		c.Agent.MaxRetries = 2
	}
	if c.Agent.StepTimeout <= 0 {
		c.Agent.StepTimeout = Duration(30 * time.Second)
	}
	if c.Agent.LLMTimeout <= 0 {
		c.Agent.LLMTimeout = Duration(60 * time.Second)
	}
	if c.Agent.ConfidenceThreshold <= 0 {
		c.Agent.ConfidenceThreshold = 0.5
	}
	if c.Agent.PatchMaxBytes <= 0 {
		c.Agent.PatchMaxBytes = 4096
	}
	if c.Agent.SandboxMaxSteps == 0 {
		c.Agent.SandboxMaxSteps = 500_000
	}
}

// GetDefaultProvider returns the first enabled provider.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}
