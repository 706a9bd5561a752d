// Package config loads engine settings from defaults, an optional config
// file and ROTAFORGE_* environment variables.
package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"rotaforge/engine/internal/appdirs"
)

const (
	EnvPrefix = "ROTAFORGE"
	FileName  = "rotaforge"

	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderFake      = "fake"

	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
)

type Config struct {
	DataDir    string           `json:"data_dir" mapstructure:"data_dir"`
	Debug      bool             `json:"debug" mapstructure:"debug"`
	Template   TemplateConfig   `json:"template" mapstructure:"template"`
	Workspace  WorkspaceConfig  `json:"workspace" mapstructure:"workspace"`
	Agent      AgentConfig      `json:"agent" mapstructure:"agent"`
	Build      BuildConfig      `json:"build" mapstructure:"build"`
	History    HistoryConfig    `json:"history" mapstructure:"history"`
	Guardrails GuardrailsConfig `json:"guardrails" mapstructure:"guardrails"`
	Archive    ArchiveConfig    `json:"archive" mapstructure:"archive"`
	Log        LogConfig        `json:"log" mapstructure:"log"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `json:"config_file,omitempty" mapstructure:"-"`
}

type TemplateConfig struct {
	Root    string   `json:"root" mapstructure:"root"`
	Subtree string   `json:"subtree" mapstructure:"subtree"`
	Files   []string `json:"files" mapstructure:"files"`
	Output  string   `json:"output" mapstructure:"output"`
}

type WorkspaceConfig struct {
	TempRoot     string        `json:"temp_root" mapstructure:"temp_root"`
	Prefix       string        `json:"prefix" mapstructure:"prefix"`
	ReapInterval time.Duration `json:"reap_interval" mapstructure:"reap_interval"`
	ReapMaxAge   time.Duration `json:"reap_max_age" mapstructure:"reap_max_age"`
}

type AgentConfig struct {
	Provider            string        `json:"provider" mapstructure:"provider"`
	Model               string        `json:"model" mapstructure:"model"`
	APIKey              string        `json:"-" mapstructure:"api_key"`
	BaseURL             string        `json:"base_url" mapstructure:"base_url"`
	MaxTurns            int           `json:"max_turns" mapstructure:"max_turns"`
	MaxToolCallsPerTurn int           `json:"max_tool_calls_per_turn" mapstructure:"max_tool_calls_per_turn"`
	MaxTokens           int           `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout             time.Duration `json:"timeout" mapstructure:"timeout"`
	NumCtx              int           `json:"num_ctx" mapstructure:"num_ctx"`
	SystemPromptFile    string        `json:"system_prompt_file" mapstructure:"system_prompt_file"`
}

type BuildConfig struct {
	Command string        `json:"command" mapstructure:"command"`
	Args    []string      `json:"args" mapstructure:"args"`
	RootEnv string        `json:"root_env" mapstructure:"root_env"`
	Output  string        `json:"output" mapstructure:"output"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

type HistoryConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"`
	Capacity int    `json:"capacity" mapstructure:"capacity"`
	Path     string `json:"path" mapstructure:"path"`
}

type GuardrailsConfig struct {
	MaxChangedLines int           `json:"max_changed_lines" mapstructure:"max_changed_lines"`
	ProtectedFiles  []string      `json:"protected_files" mapstructure:"protected_files"`
	MinPrompt       int           `json:"min_prompt" mapstructure:"min_prompt"`
	MaxPrompt       int           `json:"max_prompt" mapstructure:"max_prompt"`
	RateLimit       int           `json:"rate_limit" mapstructure:"rate_limit"`
	RateWindow      time.Duration `json:"rate_window" mapstructure:"rate_window"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

type LogConfig struct {
	MaxSizeMB  int `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int `json:"max_age_days" mapstructure:"max_age_days"`
}

var defaults = map[string]any{
	"data_dir":                      "",
	"debug":                         false,
	"template.root":                 "",
	"template.subtree":              "source/aio",
	"template.files":                []string{"build.js", "tmw-template.lua", "package.json"},
	"template.output":               "output",
	"workspace.temp_root":           "",
	"workspace.prefix":              "rotaforge-",
	"workspace.reap_interval":       time.Hour,
	"workspace.reap_max_age":        time.Hour,
	"agent.provider":                ProviderAnthropic,
	"agent.model":                   "claude-sonnet-4-5",
	"agent.api_key":                 "",
	"agent.base_url":                "",
	"agent.max_turns":               10,
	"agent.max_tool_calls_per_turn": 50,
	"agent.max_tokens":              4096,
	"agent.timeout":                 5 * time.Minute,
	"agent.num_ctx":                 16384,
	"agent.system_prompt_file":      "",
	"build.command":                 "node",
	"build.args":                    []string{"build.js"},
	"build.root_env":                "ROTATION_ROOT",
	"build.output":                  "output/TellMeWhen.lua",
	"build.timeout":                 30 * time.Second,
	"history.backend":               HistoryMemory,
	"history.capacity":              10,
	"history.path":                  "",
	"guardrails.max_changed_lines":  200,
	"guardrails.protected_files":    []string{"core.lua", "main.lua", "settings.lua", "ui.lua"},
	"guardrails.min_prompt":         10,
	"guardrails.max_prompt":         500,
	"guardrails.rate_limit":         5,
	"guardrails.rate_window":        time.Hour,
	"archive.enabled":               false,
	"archive.dir":                   "",
	"log.max_size_mb":               15,
	"log.max_backups":               3,
	"log.max_age_days":              28,
}

// Options controls where Load looks for a config file.
type Options struct {
	// File, when set, is the only config file read and must exist.
	File string
	// SearchPaths are tried in order for rotaforge.{yaml,json,toml}; the data
	// directory and the working directory are used when empty.
	SearchPaths []string
}

// Load resolves the configuration. Environment variables win over the file,
// which wins over defaults. ANTHROPIC_API_KEY is honoured for agent.api_key.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("agent.api_key", EnvPrefix+"_AGENT_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, err
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName(FileName)
		paths := opts.SearchPaths
		if len(paths) == 0 {
			if dir, err := appdirs.DataDir(); err == nil {
				paths = append(paths, dir)
			}
			paths = append(paths, ".")
		}
		for _, path := range paths {
			v.AddConfigPath(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if cfg.DataDir == "" {
		dir, err := appdirs.DataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.History.Path == "" {
		cfg.History.Path = appdirs.HistoryDBPath(cfg.DataDir)
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = appdirs.ArchiveDir(cfg.DataDir)
	}
	if cfg.Template.Root != "" {
		if abs, err := filepath.Abs(cfg.Template.Root); err == nil {
			cfg.Template.Root = abs
		}
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case ProviderAnthropic, ProviderOllama, ProviderFake:
	default:
		return &ConfigError{Field: "agent.provider", Message: "unknown provider " + c.Agent.Provider}
	}
	switch c.History.Backend {
	case HistoryMemory, HistorySQLite:
	default:
		return &ConfigError{Field: "history.backend", Message: "unknown backend " + c.History.Backend}
	}
	checks := []struct {
		field string
		ok    bool
	}{
		{"agent.max_turns", c.Agent.MaxTurns > 0},
		{"agent.max_tool_calls_per_turn", c.Agent.MaxToolCallsPerTurn > 0},
		{"agent.max_tokens", c.Agent.MaxTokens > 0},
		{"agent.timeout", c.Agent.Timeout > 0},
		{"build.timeout", c.Build.Timeout > 0},
		{"history.capacity", c.History.Capacity > 0},
		{"guardrails.max_changed_lines", c.Guardrails.MaxChangedLines > 0},
		{"guardrails.rate_limit", c.Guardrails.RateLimit > 0},
		{"guardrails.rate_window", c.Guardrails.RateWindow > 0},
		{"workspace.reap_interval", c.Workspace.ReapInterval > 0},
		{"workspace.reap_max_age", c.Workspace.ReapMaxAge > 0},
	}
	for _, check := range checks {
		if !check.ok {
			return &ConfigError{Field: check.field, Message: "must be positive"}
		}
	}
	if c.Guardrails.MinPrompt > c.Guardrails.MaxPrompt {
		return &ConfigError{Field: "guardrails.min_prompt", Message: "exceeds guardrails.max_prompt"}
	}
	if strings.TrimSpace(c.Build.Command) == "" {
		return &ConfigError{Field: "build.command", Message: "must be set"}
	}
	if c.Agent.Provider == ProviderAnthropic && c.Agent.APIKey == "" {
		return &ConfigError{Field: "agent.api_key", Message: "required for the anthropic provider (set ANTHROPIC_API_KEY)"}
	}
	return nil
}

// ValidateTemplate checks the settings needed to run edits.
func (c *Config) ValidateTemplate() error {
	if strings.TrimSpace(c.Template.Root) == "" {
		return &ConfigError{Field: "template.root", Message: "must point at the addon source tree"}
	}
	return nil
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
