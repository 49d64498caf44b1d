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

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
provider: anthropic
model: claude-sonnet-4-5
api_key: sk-test
max_tokens: 4096
max_iterations: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet-4-5" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d", cfg.MaxIterations)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-from-env")
	path := writeConfig(t, `
provider: openai
model: gpt-4o
api_key: ${TEST_LLM_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
}

func TestLoadMissingProvider(t *testing.T) {
	path := writeConfig(t, "model: gpt-4o\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestLoadMissingModel(t *testing.T) {
	path := writeConfig(t, "provider: openai\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "google", "bedrock"} {
		cfg := &FileConfig{Provider: name, Model: "m"}
		p, err := cfg.NewProvider()
		if err != nil {
			t.Fatalf("NewProvider(%s): %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("Name() = %q, want %q", p.Name(), name)
		}
	}

	cfg := &FileConfig{Provider: "watson", Model: "m"}
	if _, err := cfg.NewProvider(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
