// Package config handles Deskpilot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/deskpilot/config.yaml, /etc/deskpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deskpilot", "config.yaml"))
	}

	paths = append(paths, "/etc/deskpilot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Deskpilot configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	Models    ModelsConfig   `yaml:"models"`
	Agent     AgentConfig    `yaml:"agent"`
	Session   SessionConfig  `yaml:"session"`
	Staging   StagingConfig  `yaml:"staging"`
	Thread    ThreadConfig   `yaml:"thread"`
	Search    SearchConfig   `yaml:"search"`
	Fetch     FetchConfig    `yaml:"fetch"`
	Airtable  AirtableConfig `yaml:"airtable"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Usage     UsageConfig    `yaml:"usage"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model providers and invocation policy.
type ModelsConfig struct {
	Default     string  `yaml:"default"`
	Temperature float64 `yaml:"temperature"`

	// Available maps model names to providers. Models not listed are
	// routed to the fallback provider (the first configured of
	// openai, ollama, gemini).
	Available []ModelConfig `yaml:"available"`

	OpenAI OpenAIConfig `yaml:"openai"`
	Ollama OllamaConfig `yaml:"ollama"`
	Gemini GeminiConfig `yaml:"gemini"`

	Retry RetryConfig `yaml:"retry"`

	// RateLimit caps outbound model requests per second across all
	// providers. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Unlisted models cost nothing.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelConfig maps a single model to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, ollama, gemini
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Optional; OpenAI-compatible endpoints
}

// Configured reports whether an API key is set.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines the local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama URL is set.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is set.
func (c GeminiConfig) Configured() bool { return c.APIKey != "" }

// RetryConfig bounds model invocation retries on transient failures.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"` // Total attempts, including the first
	Backoff  time.Duration `yaml:"backoff"`  // Delay before the second attempt; doubles after
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`

	// ToolFailures selects what happens when a tool handler errors:
	// "fatal" (default) fails the run, "feedback" returns the error to
	// the model as the tool result.
	ToolFailures string `yaml:"tool_failures"`

	// DedupToolCalls executes identical (name, args) calls in one
	// batch once.
	DedupToolCalls *bool `yaml:"dedup_tool_calls"`

	// ToolConcurrency bounds concurrent tool executions per batch.
	ToolConcurrency int `yaml:"tool_concurrency"`

	// RequireReview lists tool name patterns whose calls suspend the
	// run for human approval. "*" matches everything, a trailing "*"
	// matches a prefix.
	RequireReview []string `yaml:"require_review"`
}

// Dedup reports whether identical tool calls are deduplicated.
func (c AgentConfig) Dedup() bool {
	return c.DedupToolCalls == nil || *c.DedupToolCalls
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Backend string `yaml:"backend"` // memory (default) or sqlite
	Path    string `yaml:"path"`    // SQLite database path
}

// StagingConfig defines where suspended runs are staged.
type StagingConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ThreadConfig defines the thread cookie issued to clients.
type ThreadConfig struct {
	CookieName string        `yaml:"cookie_name"`
	MaxAge     time.Duration `yaml:"max_age"`
	Secure     bool          `yaml:"secure"`
}

// SearchConfig defines web search providers.
type SearchConfig struct {
	Default string       `yaml:"default"` // tavily (default) or brave
	Tavily  TavilyConfig `yaml:"tavily"`
	Brave   BraveConfig  `yaml:"brave"`
}

// TavilyConfig holds Tavily search settings.
type TavilyConfig struct {
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// Configured reports whether a Tavily API key is set.
func (c TavilyConfig) Configured() bool { return c.APIKey != "" }

// BraveConfig holds Brave Search settings.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool { return c.APIKey != "" }

// FetchConfig controls the web_fetch tool.
type FetchConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxChars int  `yaml:"max_chars"`
}

// AirtableConfig defines the Airtable base the lookup tools read from.
type AirtableConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseID  string `yaml:"base_id"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether both an API key and a base ID are set.
func (c AirtableConfig) Configured() bool { return c.APIKey != "" && c.BaseID != "" }

// MQTTConfig defines the optional MQTT event export.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// UsageConfig defines the token usage ledger. An empty path disables it.
type UsageConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // Zero keeps records forever
}

// Configured reports whether a ledger path is set.
func (c UsageConfig) Configured() bool { return c.Path != "" }

// Load reads configuration from a YAML file. Values not present in the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:     "gpt-4o-mini",
			Temperature: 0,
			Retry: RetryConfig{
				Attempts: 3,
				Backoff:  500 * time.Millisecond,
			},
		},
		Agent: AgentConfig{
			SystemPrompt:    "You are a helpful assistant that uses tools when needed to accomplish tasks.",
			MaxIterations:   10,
			ToolFailures:    "fatal",
			ToolConcurrency: 8,
		},
		Session: SessionConfig{
			Backend: "memory",
			Path:    "deskpilot.db",
		},
		Staging: StagingConfig{
			Path:      "staging.db",
			Retention: 7 * 24 * time.Hour,
		},
		Thread: ThreadConfig{
			CookieName: "copilot_thread_id",
			MaxAge:     7 * 24 * time.Hour,
		},
		Search: SearchConfig{
			Default: "tavily",
			Tavily:  TavilyConfig{MaxResults: 3},
		},
		Fetch: FetchConfig{
			MaxChars: 20000,
		},
		Airtable: AirtableConfig{
			BaseURL: "https://api.airtable.com",
		},
		MQTT: MQTTConfig{
			ClientID:    "deskpilot",
			TopicPrefix: "deskpilot",
		},
		Usage: UsageConfig{
			Retention: 90 * 24 * time.Hour,
		},
	}
}

// Validate reports configuration values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	switch c.Agent.ToolFailures {
	case "", "fatal", "feedback":
	default:
		return fmt.Errorf("agent.tool_failures: unknown policy %q (valid: fatal, feedback)", c.Agent.ToolFailures)
	}
	switch c.Session.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("session.backend: unknown backend %q (valid: memory, sqlite)", c.Session.Backend)
	}
	if c.Models.Retry.Attempts < 1 {
		return fmt.Errorf("models.retry.attempts must be at least 1, got %d", c.Models.Retry.Attempts)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "ollama", "gemini":
		default:
			return fmt.Errorf("models.available: model %q has unknown provider %q", m.Name, m.Provider)
		}
	}
	for model, p := range c.Models.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("models.pricing: model %q has a negative price", model)
		}
	}
	if c.Usage.Retention < 0 {
		return fmt.Errorf("usage.retention must not be negative, got %v", c.Usage.Retention)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
