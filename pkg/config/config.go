// Package config loads orchestrator settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the essential orchestrator settings.
type Config struct {
	// Server
	ListenAddr string `env:"POSTQODE_LISTEN_ADDR"`

	// Storage
	StorePath   string `env:"POSTQODE_STORE_PATH"`
	PackageRoot string `env:"POSTQODE_PACKAGE_ROOT"`
	BuildRoot   string `env:"POSTQODE_BUILD_ROOT"`
	ChartsRoot  string `env:"POSTQODE_CHARTS_ROOT"`

	// Deployment targets
	MarketplaceURL  string `env:"POSTQODE_MARKETPLACE_URL"`
	DefaultRegistry string `env:"POSTQODE_DEFAULT_REGISTRY"`
	EdgeRegistryURL string `env:"POSTQODE_EDGE_REGISTRY_URL"`

	// Behavior
	UpdateAgentMetadata bool `env:"POSTQODE_UPDATE_AGENT_METADATA"`

	// Logging
	LogLevel string `env:"POSTQODE_LOG_LEVEL"`

	// Service identification
	ServiceName    string `env:"POSTQODE_SERVICE_NAME"`
	ServiceVersion string `env:"POSTQODE_SERVICE_VERSION"`
}

// Load reads configuration from defaults, an optional .env file, and the
// process environment, in that order of precedence.
func Load(envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8000",
		StorePath:           filepath.Join("storage", "orchestrator.db"),
		PackageRoot:         filepath.Join("storage", "packages"),
		BuildRoot:           filepath.Join("storage", "builds"),
		ChartsRoot:          filepath.Join("storage", "charts"),
		MarketplaceURL:      "http://host.docker.internal:8000",
		DefaultRegistry:     "docker.io/postqode",
		EdgeRegistryURL:     "http://localhost:8001",
		UpdateAgentMetadata: true,
		LogLevel:            "info",
		ServiceName:         "postqode-orchestrator",
		ServiceVersion:      "dev",
	}
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("POSTQODE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("POSTQODE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("POSTQODE_PACKAGE_ROOT"); v != "" {
		cfg.PackageRoot = v
	}
	if v := os.Getenv("POSTQODE_BUILD_ROOT"); v != "" {
		cfg.BuildRoot = v
	}
	if v := os.Getenv("POSTQODE_CHARTS_ROOT"); v != "" {
		cfg.ChartsRoot = v
	}
	if v := os.Getenv("POSTQODE_MARKETPLACE_URL"); v != "" {
		cfg.MarketplaceURL = v
	}
	if v := os.Getenv("POSTQODE_DEFAULT_REGISTRY"); v != "" {
		cfg.DefaultRegistry = v
	}
	if v := os.Getenv("POSTQODE_EDGE_REGISTRY_URL"); v != "" {
		cfg.EdgeRegistryURL = v
	}
	if v := os.Getenv("POSTQODE_UPDATE_AGENT_METADATA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UpdateAgentMetadata = b
		}
	}
	if v := os.Getenv("POSTQODE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("POSTQODE_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("POSTQODE_SERVICE_VERSION"); v != "" {
		cfg.ServiceVersion = v
	}
}

// Validate checks the essential fields.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.PackageRoot == "" {
		return fmt.Errorf("package_root is required")
	}
	if c.BuildRoot == "" {
		return fmt.Errorf("build_root is required")
	}
	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	return nil
}
