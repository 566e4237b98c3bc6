// Package config holds the static BeigeBox configuration and the runtime
// overlay. The static config is loaded once at startup; the overlay is a
// separate YAML file re-read whenever its modification time changes.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RouteConfig resolves a named routing policy to a concrete model.
type RouteConfig struct {
	Model       string `yaml:"model" json:"model"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// BackendConfig describes one upstream inference backend.
type BackendConfig struct {
	Name string `yaml:"name" json:"name"`
	// Type is one of: local, openai, metered.
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`
	// APIKey may reference an environment variable as ${NAME}.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	// Timeout in seconds for non-streaming calls. Default 120.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Priority orders backend selection; lower is tried first.
	Priority int `yaml:"priority" json:"priority"`
	// MaxRetries for transient failures. Default 2.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// PreloadModels are pinned at startup with an infinite keep-alive.
	// Only meaningful for local backends.
	PreloadModels []string `yaml:"preload_models,omitempty" json:"preload_models,omitempty"`
}

// RouterConfig tunes the hybrid classifier.
type RouterConfig struct {
	// DefaultRoute is used when no stage produces a decision.
	DefaultRoute string `yaml:"default_route" json:"default_route"`
	// ConfidenceThreshold is the minimum gap between the top two centroid
	// scores for a terminal centroid decision. Default 0.04.
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	// ArbitratorModel is the small fast model consulted for borderline
	// requests.
	ArbitratorModel string `yaml:"arbitrator_model,omitempty" json:"arbitrator_model,omitempty"`
	// ArbitratorTimeout in seconds. Default 15.
	ArbitratorTimeout int `yaml:"arbitrator_timeout,omitempty" json:"arbitrator_timeout,omitempty"`
	// SessionTTL in seconds for session stickiness. Default 1800.
	SessionTTL int `yaml:"session_ttl,omitempty" json:"session_ttl,omitempty"`
	// CentroidsDir holds one gob-encoded centroid file per route.
	CentroidsDir string `yaml:"centroids_dir,omitempty" json:"centroids_dir,omitempty"`
}

// EmbeddingConfig points at the local embedding model.
type EmbeddingConfig struct {
	Host  string `yaml:"host,omitempty" json:"host,omitempty"`
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
	// Timeout in seconds. Default 30.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	// Provider is chromem (embedded, default) or qdrant.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	// PersistPath for the chromem provider.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`
	// Collection name. Default "messages".
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`
	// Qdrant connection (provider: qdrant).
	QdrantHost string `yaml:"qdrant_host,omitempty" json:"qdrant_host,omitempty"`
	QdrantPort int    `yaml:"qdrant_port,omitempty" json:"qdrant_port,omitempty"`
	QdrantKey  string `yaml:"qdrant_api_key,omitempty" json:"qdrant_api_key,omitempty"`
}

// StoreConfig configures the durable message log.
type StoreConfig struct {
	// Driver is sqlite (default), postgres, or mysql.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	// DSN is the driver connection string. For sqlite this is the file path.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// SummarizeConfig controls conversation auto-summarization.
type SummarizeConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// TokenBudget above which old turns are collapsed. Default 8000.
	TokenBudget int `yaml:"token_budget,omitempty" json:"token_budget,omitempty"`
	// KeepLast non-system turns are preserved verbatim. Default 4.
	KeepLast int    `yaml:"keep_last,omitempty" json:"keep_last,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	// Prefix for the injected summary system message.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// ContextConfig controls the global system context file.
type ContextConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// AdvertiseConfig controls model-name rewriting on the models list.
type AdvertiseConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Prefix  string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	// PluginsDir holds go-plugin tool executables with .plugin.yaml
	// manifests.
	PluginsDir string `yaml:"plugins_dir,omitempty" json:"plugins_dir,omitempty"`
	// WebhookURL receives a best-effort notification per tool invocation.
	WebhookURL string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	// MCPServers are optional MCP endpoints whose tools join the registry.
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// MCPServerConfig points at one MCP server.
type MCPServerConfig struct {
	Name    string `yaml:"name" json:"name"`
	URL     string `yaml:"url" json:"url"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// HooksConfig configures the hook pipeline.
type HooksConfig struct {
	// Dir holds go-plugin hook executables.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
	// Builtin enables named built-in hooks in order.
	Builtin []string `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	// InjectionThreshold for the prompt-injection guard. Default 0.7.
	InjectionThreshold float64 `yaml:"injection_threshold,omitempty" json:"injection_threshold,omitempty"`
}

// HarnessConfig tunes the orchestrator loop.
type HarnessConfig struct {
	DriverModel string `yaml:"driver_model,omitempty" json:"driver_model,omitempty"`
	// MaxRounds default 8.
	MaxRounds int `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`
	// MaxTasksPerRound default 6.
	MaxTasksPerRound int `yaml:"max_tasks_per_round,omitempty" json:"max_tasks_per_round,omitempty"`
	// StaggerMS between task launches. Default 400.
	StaggerMS int `yaml:"stagger_ms,omitempty" json:"stagger_ms,omitempty"`
	// TaskTimeout in seconds. Default 120.
	TaskTimeout int `yaml:"task_timeout,omitempty" json:"task_timeout,omitempty"`
	// TotalTimeout in seconds. Default 300.
	TotalTimeout int `yaml:"total_timeout,omitempty" json:"total_timeout,omitempty"`
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config is the static load-once configuration.
type Config struct {
	Server    ServerConfig           `yaml:"server" json:"server"`
	Routes    map[string]RouteConfig `yaml:"routes" json:"routes"`
	Backends  []BackendConfig        `yaml:"backends" json:"backends"`
	Router    RouterConfig           `yaml:"router" json:"router"`
	Embedding EmbeddingConfig        `yaml:"embedding" json:"embedding"`
	Vector    VectorConfig           `yaml:"vector" json:"vector"`
	Store     StoreConfig            `yaml:"store" json:"store"`
	Summarize SummarizeConfig        `yaml:"summarize" json:"summarize"`
	Context   ContextConfig          `yaml:"context" json:"context"`
	Advertise AdvertiseConfig        `yaml:"advertise" json:"advertise"`
	Tools     ToolsConfig            `yaml:"tools" json:"tools"`
	Hooks     HooksConfig            `yaml:"hooks" json:"hooks"`
	Harness   HarnessConfig          `yaml:"harness" json:"harness"`
	// WireLogPath is the JSONL wire-event file.
	WireLogPath string `yaml:"wire_log_path,omitempty" json:"wire_log_path,omitempty"`
	// OverlayPath is the runtime override YAML file.
	OverlayPath string `yaml:"overlay_path,omitempty" json:"overlay_path,omitempty"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8200
	}
	if c.Router.ConfidenceThreshold == 0 {
		c.Router.ConfidenceThreshold = 0.04
	}
	if c.Router.ArbitratorTimeout == 0 {
		c.Router.ArbitratorTimeout = 15
	}
	if c.Router.SessionTTL == 0 {
		c.Router.SessionTTL = 1800
	}
	if c.Router.CentroidsDir == "" {
		c.Router.CentroidsDir = "data/centroids"
	}
	if c.Embedding.Host == "" {
		c.Embedding.Host = "http://localhost:11434"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "nomic-embed-text"
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = 30
	}
	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "messages"
	}
	if c.Vector.PersistPath == "" {
		c.Vector.PersistPath = "data/vectors"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "data/beigebox.db"
	}
	if c.Summarize.TokenBudget == 0 {
		c.Summarize.TokenBudget = 8000
	}
	if c.Summarize.KeepLast == 0 {
		c.Summarize.KeepLast = 4
	}
	if c.Summarize.Prefix == "" {
		c.Summarize.Prefix = "Summary of earlier conversation:"
	}
	if c.Advertise.Prefix == "" {
		c.Advertise.Prefix = "bb/"
	}
	if c.Hooks.InjectionThreshold == 0 {
		c.Hooks.InjectionThreshold = 0.7
	}
	if c.Harness.MaxRounds == 0 {
		c.Harness.MaxRounds = 8
	}
	if c.Harness.MaxTasksPerRound == 0 {
		c.Harness.MaxTasksPerRound = 6
	}
	if c.Harness.StaggerMS == 0 {
		c.Harness.StaggerMS = 400
	}
	if c.Harness.TaskTimeout == 0 {
		c.Harness.TaskTimeout = 120
	}
	if c.Harness.TotalTimeout == 0 {
		c.Harness.TotalTimeout = 300
	}
	if c.WireLogPath == "" {
		c.WireLogPath = "data/wire.jsonl"
	}
	if c.OverlayPath == "" {
		c.OverlayPath = "data/overrides.yaml"
	}

	for i := range c.Backends {
		if c.Backends[i].Timeout == 0 {
			c.Backends[i].Timeout = 120
		}
		if c.Backends[i].MaxRetries == 0 {
			c.Backends[i].MaxRetries = 2
		}
	}
}

// Validate rejects configs the proxy cannot start with.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name cannot be empty")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		if b.URL == "" {
			return fmt.Errorf("backend %s: url is required", b.Name)
		}
		switch b.Type {
		case "local", "openai", "metered":
		default:
			return fmt.Errorf("backend %s: unknown type %q (local, openai, metered)", b.Name, b.Type)
		}
		if b.Type == "metered" && b.APIKey == "" {
			return fmt.Errorf("backend %s: metered backends require api_key", b.Name)
		}
	}

	if c.Router.DefaultRoute != "" {
		if _, ok := c.Routes[c.Router.DefaultRoute]; !ok {
			return fmt.Errorf("default_route %q is not a configured route", c.Router.DefaultRoute)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store driver %q (sqlite, postgres, mysql)", c.Store.Driver)
	}

	switch c.Vector.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported vector provider %q (chromem, qdrant)", c.Vector.Provider)
	}

	return nil
}

// RouteNames returns the configured route names, sorted.
func (c *Config) RouteNames() []string {
	names := make([]string, 0, len(c.Routes))
	for name := range c.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveRoute maps a route name to its model; ok is false for unknown
// routes.
func (c *Config) ResolveRoute(name string) (string, bool) {
	r, ok := c.Routes[name]
	if !ok {
		return "", false
	}
	return r.Model, true
}

// DefaultModel is the model of the default route, or empty.
func (c *Config) DefaultModel() string {
	if m, ok := c.ResolveRoute(c.Router.DefaultRoute); ok {
		return m
	}
	return ""
}

// Load reads, expands, and validates the static config. Call once at
// startup; the result is read-only afterwards.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	expanded := ExpandEnvVarsInData(raw)

	// Round-trip through YAML so the expanded tree decodes into the
	// typed struct.
	normalized, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
