// Package config loads pith's operator configuration: a YAML file on disk,
// overridden by process environment variables for anything secret.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the immutable (post-load) runtime configuration for a pith
// process. Fields are read-only after LoadConfig returns; this package keeps
// no global Config, so a caller that needs different values loads or builds
// a new Config.
type Config struct {
	Version int             `yaml:"version"`
	Runtime RuntimeConfig   `yaml:"runtime"`
	Model   ModelConfig     `yaml:"model"`
	MCP     MCPConfig       `yaml:"mcp"`
	Channels ChannelsConfig `yaml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store   StoreConfig     `yaml:"store"`

	mu sync.RWMutex
}

type RuntimeConfig struct {
	WorkspacePath string        `yaml:"workspace_path" env:"PITH_RUNTIME_WORKSPACE_PATH"`
	MemoryDBPath  string        `yaml:"memory_db_path" env:"PITH_RUNTIME_MEMORY_DB_PATH"`
	LogDir        string        `yaml:"log_dir" env:"PITH_RUNTIME_LOG_DIR"`
	Context       ContextConfig `yaml:"context"`
	Turn          TurnConfig    `yaml:"turn"`
	APIHost       string        `yaml:"api_host" env:"PITH_RUNTIME_API_HOST"`
	APIPort       int           `yaml:"api_port" env:"PITH_RUNTIME_API_PORT"`
}

type ContextConfig struct {
	WindowMessages int `yaml:"window_messages" env:"PITH_RUNTIME_CONTEXT_WINDOW_MESSAGES"`
	MemoryTopK     int `yaml:"memory_top_k" env:"PITH_RUNTIME_CONTEXT_MEMORY_TOP_K"`
}

type TurnConfig struct {
	MaxToolIterations   int `yaml:"max_tool_iterations" env:"PITH_RUNTIME_TURN_MAX_TOOL_ITERATIONS"`
	DeadlineSeconds     int `yaml:"deadline_seconds" env:"PITH_RUNTIME_TURN_DEADLINE_SECONDS"`
	ModelTimeoutSeconds int `yaml:"model_timeout_seconds" env:"PITH_RUNTIME_TURN_MODEL_TIMEOUT_SECONDS"`
	ToolTimeoutSeconds  int `yaml:"tool_timeout_seconds" env:"PITH_RUNTIME_TURN_TOOL_TIMEOUT_SECONDS"`
}

type ModelConfig struct {
	Provider    string  `yaml:"provider" env:"PITH_MODEL_PROVIDER"`
	Model       string  `yaml:"model" env:"PITH_MODEL_MODEL"`
	APIKeyEnv   string  `yaml:"api_key_env" env:"PITH_MODEL_API_KEY_ENV"`
	BaseURL     string  `yaml:"base_url" env:"PITH_MODEL_BASE_URL"`
	Temperature float64 `yaml:"temperature" env:"PITH_MODEL_TEMPERATURE"`
}

type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Headers map[string]string `yaml:"headers"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

type DiscordChannelConfig struct {
	TokenEnv       string   `yaml:"token_env" env:"PITH_CHANNELS_DISCORD_TOKEN_ENV"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

type LongPollChannelConfig struct {
	URL      string `yaml:"url" env:"PITH_CHANNELS_LONGPOLL_URL"`
	TokenEnv string `yaml:"token_env" env:"PITH_CHANNELS_LONGPOLL_TOKEN_ENV"`
}

type ChannelsConfig struct {
	Discord  DiscordChannelConfig  `yaml:"discord"`
	LongPoll LongPollChannelConfig `yaml:"longpoll"`
}

type SchedulerConfig struct {
	CompactionIntervalCron string `yaml:"compaction_interval_cron" env:"PITH_SCHEDULER_COMPACTION_INTERVAL_CRON"`
	MCPRefreshIntervalCron string `yaml:"mcp_refresh_interval_cron" env:"PITH_SCHEDULER_MCP_REFRESH_INTERVAL_CRON"`
}

type StoreConfig struct {
	WriteQueueDepth int `yaml:"write_queue_depth" env:"PITH_STORE_WRITE_QUEUE_DEPTH"`
}

// DefaultConfig returns the built-in defaults, overridden by whatever the
// YAML file and environment supply.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Runtime: RuntimeConfig{
			WorkspacePath: "~/.config/pith/workspace",
			MemoryDBPath:  "~/.config/pith/workspace/memory.db",
			LogDir:        "~/.config/pith/workspace/.pith/logs",
			Context: ContextConfig{
				WindowMessages: 40,
				MemoryTopK:     5,
			},
			Turn: TurnConfig{
				MaxToolIterations: 16,
				DeadlineSeconds:   300,
			},
			APIHost: "0.0.0.0",
			APIPort: 8420,
		},
		Model: ModelConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "PITH_MODEL_API_KEY",
			Temperature: 0.7,
		},
		Scheduler: SchedulerConfig{
			CompactionIntervalCron: "*/5 * * * *",
			MCPRefreshIntervalCron: "*/10 * * * *",
		},
		Store: StoreConfig{
			WriteQueueDepth: 128,
		},
	}
}

// LoadConfig reads path (YAML), falling back to defaults when the file does
// not exist, then applies environment overrides via `env:"..."` tags.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: env override: %w", err)
	}

	cfg.Runtime.WorkspacePath = expandHome(cfg.Runtime.WorkspacePath)
	cfg.Runtime.MemoryDBPath = expandHome(cfg.Runtime.MemoryDBPath)
	cfg.Runtime.LogDir = expandHome(cfg.Runtime.LogDir)

	for i := range cfg.MCP.Servers {
		cfg.MCP.Servers[i].URL = expandVars(cfg.MCP.Servers[i].URL)
		for k, v := range cfg.MCP.Servers[i].Headers {
			cfg.MCP.Servers[i].Headers[k] = expandVars(v)
		}
	}

	return cfg, nil
}

// DefaultPath returns $PITH_CONFIG or ~/.config/pith/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("PITH_CONFIG"); p != "" {
		return expandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pith", "config.yaml")
}

// ModelAPIKey resolves the actual API key from the environment variable
// named by model.api_key_env. Secrets never live in the YAML file itself.
func (c *Config) ModelAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

func (c *Config) DiscordToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Channels.Discord.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Channels.Discord.TokenEnv)
}

func (c *Config) LongPollToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Channels.LongPoll.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Channels.LongPoll.TokenEnv)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[1:])
		}
		return home
	}
	return path
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandVars substitutes ${VAR} references from the process environment,
// leaving unset variables as an empty string rather than erroring — mcp
// server discovery already tolerates unreachable servers.
func expandVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}
