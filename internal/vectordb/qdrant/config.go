package qdrant

import (
	"fmt"
	"strings"
	"time"
)

// Config holds connection settings for the Qdrant REST API.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	DefaultLimit   int
	ScoreThreshold float32
	WithPayload    bool
	WithVectors    bool
}

// DefaultConfig returns settings for a local Qdrant instance.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:6333",
		Timeout:        30 * time.Second,
		DefaultLimit:   10,
		ScoreThreshold: 0.0,
		WithPayload:    true,
		WithVectors:    false,
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.DefaultLimit < 1 {
		return fmt.Errorf("default_limit must be at least 1")
	}
	return nil
}

// baseURL returns the base URL without a trailing slash.
func (c *Config) baseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}
