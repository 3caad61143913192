package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `yaml:"app"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Browser   BrowserConfig             `yaml:"browser"`
	Invoker   InvokerConfig             `yaml:"invoker"`
	Healing   HealingConfig             `yaml:"healing"`
	Memory    MemoryConfig              `yaml:"memory"`
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

type BrowserConfig struct {
	Headless  bool   `yaml:"headless"`
	UserAgent string `yaml:"user_agent,omitempty"`
}

type InvokerConfig struct {
	MaxRetries   int  `yaml:"max_retries"`
	RetryDelayMs int  `yaml:"retry_delay_ms"`
	Exponential  bool `yaml:"exponential"`
}

type HealingConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type MemoryConfig struct {
	Path string `yaml:"path"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
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
		c.App.Name = "webmender"
	}
	if c.App.PromptDir == "" {
		c.App.PromptDir = "./prompts"
	}
	if c.Invoker.MaxRetries == 0 {
		c.Invoker.MaxRetries = 2
	}
	if c.Invoker.RetryDelayMs == 0 {
		c.Invoker.RetryDelayMs = 1000
	}
	if c.Healing.MaxAttempts == 0 {
		c.Healing.MaxAttempts = 3
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "webmender.db"
	}
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}
