// Package config holds all injected runtime configuration for Dhi. Limits,
// modes, and governance policy are values passed into components; nothing in
// the pipeline reads ambient globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all Dhi configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP listen address
	ListenAddr string `yaml:"listen_addr"`

	// LLM gateway configuration
	LLM LLMConfig `yaml:"llm"`

	// Sandbox isolation profiles and backend selection
	Sandbox SandboxConfig `yaml:"sandbox"`

	// VEIL ledger and attestation store paths
	Veil VeilConfig `yaml:"veil"`

	// Pre-egress governance policy
	Governance GovernanceConfig `yaml:"governance"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// VeilConfig configures the VEIL ledger and manifest store.
type VeilConfig struct {
	// LedgerPath is the SQLite database file for the event ledger.
	LedgerPath string `yaml:"ledger_path"`

	// ManifestDir is the append-only attestation manifest directory.
	ManifestDir string `yaml:"manifest_dir"`

	// BaselinePath persists the project's baseline environment fingerprint.
	BaselinePath string `yaml:"baseline_path"`

	// LockfilePath feeds the fingerprint's lockfile hash.
	LockfilePath string `yaml:"lockfile_path"`

	// SandboxImageFile is hashed as a proxy for the runtime image digest.
	SandboxImageFile string `yaml:"sandbox_image_file"`
}

// GovernanceConfig configures the pre-egress governance pipeline.
type GovernanceConfig struct {
	// AllowedPathGlobs are doublestar patterns a context file path must
	// match to leave the machine.
	AllowedPathGlobs []string `yaml:"allowed_path_globs"`

	// DeniedPathSnippets block any path containing one of these fragments.
	DeniedPathSnippets []string `yaml:"denied_path_snippets"`

	// MaxContextChars caps outbound context size.
	MaxContextChars int `yaml:"max_context_chars"`

	// EntropyThreshold is the Shannon-entropy cutoff (bits/char) above
	// which a token is redacted as a suspected secret.
	EntropyThreshold float64 `yaml:"entropy_threshold"`

	// MinTokenLen is the shortest token considered by the entropy scan.
	MinTokenLen int `yaml:"min_token_len"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:       "dhi",
		Version:    "0.1.0",
		ListenAddr: ":8787",

		LLM: DefaultLLMConfig(),

		Sandbox: DefaultSandboxConfig(),

		Veil: VeilConfig{
			LedgerPath:       "data/veil.db",
			ManifestDir:      "data/manifests",
			BaselinePath:     "data/fingerprint_baseline.json",
			LockfilePath:     "go.sum",
			SandboxImageFile: "Dockerfile.sandbox",
		},

		Governance: GovernanceConfig{
			AllowedPathGlobs: []string{
				"src/**",
				"tests/**",
				"docs/**",
				"*.py", "*.go", "*.md", "*.toml", "*.json", "*.yaml", "*.yml",
			},
			DeniedPathSnippets: []string{
				".env", "secrets.yaml", "id_rsa", "credentials.json", ".pem",
			},
			MaxContextChars:  50000,
			EntropyThreshold: 4.5,
			MinTokenLen:      16,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "dhi.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Provider API keys and base URLs may come from the environment; resource
// limits never do.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
		c.LLM.NvidiaAPIKey = key
	}
	if base := os.Getenv("NVIDIA_API_BASE"); base != "" {
		c.LLM.NvidiaAPIBase = base
	}
	if base := os.Getenv("DHI_LLM_API_BASE"); base != "" {
		c.LLM.BaseURL = base
	}
	if path := os.Getenv("DHI_LEDGER_PATH"); path != "" {
		c.Veil.LedgerPath = path
	}
	if dir := os.Getenv("DHI_MANIFEST_DIR"); dir != "" {
		c.Veil.ManifestDir = dir
	}
	if addr := os.Getenv("DHI_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if img := os.Getenv("DHI_SANDBOX_IMAGE"); img != "" {
		c.Sandbox.Image = img
	}
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if c.Governance.MaxContextChars < 1024 {
		return fmt.Errorf("governance max_context_chars must be >= 1024")
	}
	if c.Governance.EntropyThreshold <= 0 {
		return fmt.Errorf("governance entropy_threshold must be positive")
	}
	return nil
}
