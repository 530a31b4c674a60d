// Package config defines the runtime configuration and its loader.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the top-level quecore configuration.
type Config struct {
	DataDir    string           `json:"data_dir" mapstructure:"data_dir"`
	Engine     EngineConfig     `json:"engine" mapstructure:"engine"`
	Tools      ToolsConfig      `json:"tools" mapstructure:"tools"`
	Plugins    PluginsConfig    `json:"plugins" mapstructure:"plugins"`
	Permission PermissionConfig `json:"permission" mapstructure:"permission"`
	Audit      AuditConfig      `json:"audit" mapstructure:"audit"`
	Context    ContextConfig    `json:"context" mapstructure:"context"`
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// Workers caps concurrent tool executions. Zero means one per CPU.
	Workers int `json:"workers" mapstructure:"workers"`
	// DefaultRunTimeout bounds a single execution when the caller gives
	// no deadline.
	DefaultRunTimeout time.Duration `json:"default_run_timeout" mapstructure:"default_run_timeout"`
	// AwaitCeiling caps how long any caller may block awaiting a result.
	AwaitCeiling time.Duration `json:"await_ceiling" mapstructure:"await_ceiling"`
}

// ToolsConfig controls built-in capability registration.
type ToolsConfig struct {
	Builtins bool `json:"builtins" mapstructure:"builtins"`
}

// PluginsConfig controls plugin discovery and loading.
type PluginsConfig struct {
	Dirs []string `json:"dirs" mapstructure:"dirs"`
	// Watch enables hot reload when plugin directories change.
	Watch         bool          `json:"watch" mapstructure:"watch"`
	WatchDebounce time.Duration `json:"watch_debounce" mapstructure:"watch_debounce"`
	// Configs carries per-plugin activation config, keyed by plugin ID.
	Configs map[string]map[string]any `json:"configs" mapstructure:"configs"`
}

// PermissionConfig feeds the permission gate.
type PermissionConfig struct {
	// TrustedCallers invoke sensitive tools without confirmation.
	TrustedCallers []string `json:"trusted_callers" mapstructure:"trusted_callers"`
	// TokenTTL bounds confirmation token validity.
	TokenTTL time.Duration `json:"token_ttl" mapstructure:"token_ttl"`
	// Policies maps caller IDs to allow/deny tool name lists.
	Policies map[string]PolicyConfig `json:"policies" mapstructure:"policies"`
}

// PolicyConfig is one caller's tool allow/deny lists.
type PolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	// File is the JSONL audit log path. Empty logs to stderr.
	File string `json:"file" mapstructure:"file"`
	// SQLitePath enables the queryable audit store when set.
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
}

// ContextConfig controls the context aggregator.
type ContextConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	PollSpec      string        `json:"poll_spec" mapstructure:"poll_spec"`
	IdleThreshold time.Duration `json:"idle_threshold" mapstructure:"idle_threshold"`
}

// GatewayConfig controls the HTTP/websocket gateway.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig mirrors the logger package configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDay int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultRunTimeout: 30 * time.Second,
			AwaitCeiling:      10 * time.Minute,
		},
		Tools: ToolsConfig{Builtins: true},
		Plugins: PluginsConfig{
			WatchDebounce: 500 * time.Millisecond,
		},
		Permission: PermissionConfig{
			TokenTTL: 5 * time.Minute,
		},
		Context: ContextConfig{
			PollSpec:      "@every 2s",
			IdleThreshold: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8787",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSizeMB: 100,
			MaxAgeDay: 7,
			Compress:  true,
		},
	}
}

// String renders the config as indented JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
