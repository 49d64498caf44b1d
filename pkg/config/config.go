// Package config loads client configuration from YAML and constructs
// providers from it.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/lmstream/lmstream/pkg/dispatch"
	"github.com/lmstream/lmstream/pkg/llm"
	"github.com/lmstream/lmstream/pkg/llm/providers/anthropic"
	"github.com/lmstream/lmstream/pkg/llm/providers/bedrock"
	"github.com/lmstream/lmstream/pkg/llm/providers/google"
	"github.com/lmstream/lmstream/pkg/llm/providers/openai"
)

// FileConfig is the YAML structure of the client config file.
type FileConfig struct {
	// Provider: "anthropic" | "openai" | "google" | "bedrock".
	// Any openai-compatible endpoint works via BaseURL.
	Provider string `yaml:"provider"`

	// Model ID to use (e.g. "gpt-4o", "claude-sonnet-4-5").
	Model string `yaml:"model"`

	// BaseURL overrides the default provider endpoint (OpenRouter, local
	// gateways, test servers). Ignored by bedrock.
	BaseURL string `yaml:"base_url"`

	// APIKey can be a literal key or "${ENV_VAR}" to read from environment.
	APIKey string `yaml:"api_key"`

	// SystemPrompt is sent with every request.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// MaxIterations caps tool-dispatch loop turns.
	MaxIterations int `yaml:"max_iterations"`

	// Region is used by Amazon Bedrock (e.g. "us-east-1").
	// Defaults to AWS_DEFAULT_REGION / ~/.aws/config.
	Region string `yaml:"region"`

	// Profile is the AWS profile name for Bedrock authentication.
	Profile string `yaml:"profile"`
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR} references
// in string values.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Expand environment variables in the raw YAML before parsing.
	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FileConfig) validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	return nil
}

// NewProvider constructs the provider the config names.
func (c *FileConfig) NewProvider() (llm.Provider, error) {
	switch c.Provider {
	case "anthropic":
		return anthropic.New(c.BaseURL), nil
	case "openai":
		return openai.New(c.BaseURL), nil
	case "google":
		return google.New(c.BaseURL), nil
	case "bedrock":
		return bedrock.New(c.Region, c.Profile), nil
	default:
		return nil, fmt.Errorf("config: unknown provider %q", c.Provider)
	}
}

// Params builds dispatch parameters from the config. The caller supplies the
// conversation and tool registry.
func (c *FileConfig) Params(provider llm.Provider) dispatch.Params {
	return dispatch.Params{
		Provider:      provider,
		Model:         c.Model,
		APIKey:        c.APIKey,
		SystemPrompt:  c.SystemPrompt,
		MaxTokens:     c.MaxTokens,
		Temperature:   c.Temperature,
		MaxIterations: c.MaxIterations,
	}
}
