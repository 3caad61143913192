package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  name: myagent
  prompt_dir: /etc/prompts
providers:
  openai:
    api_key: sk-test
    model: gpt-4o-mini
    enabled: true
browser:
  headless: true
invoker:
  max_retries: 5
  retry_delay_ms: 250
  exponential: true
healing:
  max_attempts: 2
memory:
  path: /tmp/runs.db
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.App.Name != "myagent" || cfg.App.PromptDir != "/etc/prompts" {
		t.Errorf("app config: %+v", cfg.App)
	}
	if !cfg.Browser.Headless {
		t.Error("headless not parsed")
	}
	if cfg.Invoker.MaxRetries != 5 || cfg.Invoker.RetryDelayMs != 250 || !cfg.Invoker.Exponential {
		t.Errorf("invoker config: %+v", cfg.Invoker)
	}
	if cfg.Healing.MaxAttempts != 2 {
		t.Errorf("healing config: %+v", cfg.Healing)
	}
	if cfg.Memory.Path != "/tmp/runs.db" {
		t.Errorf("memory config: %+v", cfg.Memory)
	}
	if cfg.Providers["openai"].APIKey != "sk-test" {
		t.Errorf("provider config: %+v", cfg.Providers)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "app:\n  name: \"\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.App.Name != "webmender" {
		t.Errorf("default name: %q", cfg.App.Name)
	}
	if cfg.App.PromptDir != "./prompts" {
		t.Errorf("default prompt dir: %q", cfg.App.PromptDir)
	}
	if cfg.Invoker.MaxRetries != 2 || cfg.Invoker.RetryDelayMs != 1000 {
		t.Errorf("default invoker: %+v", cfg.Invoker)
	}
	if cfg.Healing.MaxAttempts != 3 {
		t.Errorf("default healing: %+v", cfg.Healing)
	}
	if cfg.Memory.Path != "webmender.db" {
		t.Errorf("default memory path: %q", cfg.Memory.Path)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/no/such/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "app: [broken")); err == nil {
		t.Error("expected decode error")
	}
}

func TestGetDefaultProvider(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{
		"openai":     {Enabled: false},
		"openrouter": {Enabled: true, Model: "gpt-4o"},
	}}
	name, p := cfg.GetDefaultProvider()
	if name != "openrouter" || p.Model != "gpt-4o" {
		t.Errorf("got %s %+v", name, p)
	}

	cfg = &Config{}
	if name, _ := cfg.GetDefaultProvider(); name != "" {
		t.Errorf("expected no provider, got %s", name)
	}
}
