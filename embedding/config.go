package embedding

import (
	"fmt"
	"strings"
	"time"
)

// OpenAIConfig configures the OpenAI compatible embedding provider.
type OpenAIConfig struct {
	APIKey            string        `json:"api_key" yaml:"api_key"`
	BaseURL           string        `json:"base_url" yaml:"base_url"`
	Model             string        `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions        int           `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequestsPerSecond float64       `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
}

// ServiceConfig configures the plain embedding service provider.
type ServiceConfig struct {
	BaseURL           string        `json:"base_url" yaml:"base_url"`
	Endpoint          string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model             string        `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions        int           `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	MaxBatch          int           `json:"max_batch,omitempty" yaml:"max_batch,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequestsPerSecond float64       `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
}

// DefaultOpenAIConfig returns default OpenAI embedding config.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:    "https://api.openai.com",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// DefaultServiceConfig returns default embedding service config.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BaseURL:  "http://localhost:8088",
		Endpoint: "/embed",
		Timeout:  10 * time.Second,
	}
}

// ProviderSettings selects and configures a provider by name.
type ProviderSettings struct {
	Provider          string
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NewProvider builds a Provider from settings. Supported names are "openai"
// and "service".
func NewProvider(s ProviderSettings) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "openai":
		cfg := DefaultOpenAIConfig()
		cfg.APIKey = s.APIKey
		if s.BaseURL != "" {
			cfg.BaseURL = s.BaseURL
		}
		if s.Model != "" {
			cfg.Model = s.Model
		}
		if s.Timeout > 0 {
			cfg.Timeout = s.Timeout
		}
		cfg.RequestsPerSecond = s.RequestsPerSecond
		return NewOpenAIProvider(cfg), nil
	case "service", "":
		cfg := DefaultServiceConfig()
		if s.BaseURL != "" {
			cfg.BaseURL = s.BaseURL
		}
		cfg.Model = s.Model
		if s.Timeout > 0 {
			cfg.Timeout = s.Timeout
		}
		cfg.RequestsPerSecond = s.RequestsPerSecond
		return NewServiceProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", s.Provider)
	}
}
