package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/sandbox"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig   `json:"server"`
	Backend   BackendConfig  `json:"backend"`
	Agent     agent.Config   `json:"agent"`
	Tools     ToolsConfig    `json:"tools"`
	Database  DatabaseConfig `json:"database"`
	ModesFile string         `json:"modes_file"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// BackendConfig selects the model backend. APIKeys is a comma-separated
// list; every key gets its own client and requests rotate across them.
type BackendConfig struct {
	Type             string `json:"type"`
	APIKeys          string `json:"api_keys"`
	Model            string `json:"model"`
	Endpoint         string `json:"endpoint"`
	InlineLimitBytes int64  `json:"inline_limit_bytes"`
	UploadDir        string `json:"upload_dir"`
}

// Keys returns the trimmed, non-empty credentials.
func (b BackendConfig) Keys() []string {
	return llm.SplitKeys(b.APIKeys)
}

type ToolsConfig struct {
	WikiLanguage string        `json:"wiki_language"`
	WikiEndpoint string        `json:"wiki_endpoint"`
	Sandbox      SandboxConfig `json:"sandbox"`
}

type SandboxConfig struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	Image          string   `json:"image"`
	Command        []string `json:"command,omitempty"`
	MemoryMB       int64    `json:"memory_mb"`
	CPUShares      int64    `json:"cpu_shares"`
	TimeoutSec     int      `json:"timeout_sec"`
	ScriptDir      string   `json:"script_dir"`
	HostScriptDir  string   `json:"host_script_dir"`
	MaxOutputBytes int      `json:"max_output_bytes"`
	ProbeSchedule  string   `json:"probe_schedule"`
}

// IsEnabled reports whether the code tool should be registered.
func (s SandboxConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Runner converts the JSON settings into sandbox options.
func (s SandboxConfig) Runner() sandbox.Config {
	return sandbox.Config{
		Image:          s.Image,
		Command:        s.Command,
		MemoryMB:       s.MemoryMB,
		CPUShares:      s.CPUShares,
		Timeout:        time.Duration(s.TimeoutSec) * time.Second,
		ScriptDir:      s.ScriptDir,
		HostScriptDir:  s.HostScriptDir,
		MaxOutputBytes: s.MaxOutputBytes,
	}
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Backend types.
const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
)

// ConfigurationError reports a setting the service cannot start with.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and applies defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config JSON after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	c.Backend.Type = strings.ToLower(strings.TrimSpace(c.Backend.Type))
	if c.Backend.Type == "" {
		c.Backend.Type = BackendGemini
	}
	if c.Backend.InlineLimitBytes <= 0 {
		c.Backend.InlineLimitBytes = llm.DefaultInlineLimit
	}

	d := agent.DefaultConfig()
	if c.Agent.MaxThoughts <= 0 {
		c.Agent.MaxThoughts = d.MaxThoughts
	}
	if c.Agent.MaxRetries <= 0 {
		c.Agent.MaxRetries = d.MaxRetries
	}
	if c.Agent.ThoughtTemperature == nil {
		c.Agent.ThoughtTemperature = d.ThoughtTemperature
	}
	if c.Agent.SynthesisTemperature == nil {
		c.Agent.SynthesisTemperature = d.SynthesisTemperature
	}
	if c.Agent.ToolConcurrency <= 0 {
		c.Agent.ToolConcurrency = d.ToolConcurrency
	}
	if c.Agent.HistoryTurns <= 0 {
		c.Agent.HistoryTurns = d.HistoryTurns
	}

	if c.Tools.WikiLanguage == "" {
		c.Tools.WikiLanguage = "en"
	}
	if c.Tools.Sandbox.ProbeSchedule == "" {
		c.Tools.Sandbox.ProbeSchedule = "@every 1m"
	}
}

// Validate reports the first setting that prevents startup.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendGemini:
	case BackendOpenAI:
		if c.Backend.Model == "" {
			return &ConfigurationError{Field: "backend.model", Reason: "required for openai backend"}
		}
	default:
		return &ConfigurationError{Field: "backend.type", Reason: fmt.Sprintf("unknown backend %q", c.Backend.Type)}
	}
	if len(c.Backend.Keys()) == 0 {
		return &ConfigurationError{Field: "backend.api_keys", Reason: "no credentials configured"}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ConfigurationError{Field: "server.port", Reason: "out of range"}
	}
	for _, t := range []*float64{c.Agent.ThoughtTemperature, c.Agent.SynthesisTemperature} {
		if t != nil && (*t < 0 || *t > 2) {
			return &ConfigurationError{Field: "agent", Reason: "temperature outside [0, 2]"}
		}
	}
	return nil
}
