// Package config handles configuration loading and management for the Brain.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Brain.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Authority  AuthorityConfig  `mapstructure:"authority"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Backend    BackendConfig    `mapstructure:"backend"`
	GitOps     GitOpsConfig     `mapstructure:"gitops"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Server     ServerConfig     `mapstructure:"server"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Registry   RegistryConfig   `mapstructure:"registry"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds debug logging settings.
type LogConfig struct {
	// DebugFile receives engine debug lines. Empty disables debug logging.
	DebugFile string `mapstructure:"debug_file"`
}

// SchedulerConfig holds deferral timing.
type SchedulerConfig struct {
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	CIDelay    time.Duration `mapstructure:"ci_delay"`
	SyncDelay  time.Duration `mapstructure:"sync_delay"`
	QuickDelay time.Duration `mapstructure:"quick_delay"`
}

// DispatchConfig holds coordinator limits.
type DispatchConfig struct {
	HuddleTimeout time.Duration `mapstructure:"huddle_timeout"`
	// Tick is the scheduling tick at which expired huddles are detected.
	Tick                  time.Duration `mapstructure:"tick"`
	MaxHuddleResumes      int           `mapstructure:"max_huddle_resumes"`
	MaxDispatchesPerEvent int           `mapstructure:"max_dispatches_per_event"`
}

// AuthorityConfig names the human who owns autonomous events.
type AuthorityConfig struct {
	Maintainer string `mapstructure:"maintainer"`
}

// OracleConfig selects the decision oracle.
type OracleConfig struct {
	// Provider is "policy" (deterministic) or "anthropic".
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	// Bedrock routes Anthropic calls through AWS Bedrock.
	Bedrock bool   `mapstructure:"bedrock"`
	Region  string `mapstructure:"region"`
}

// BackendConfig locates the agent execution service.
type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GitOpsConfig holds repository mutation settings.
type GitOpsConfig struct {
	// Root is the directory holding one checkout per repository name.
	Root   string `mapstructure:"root"`
	Remote string `mapstructure:"remote"`
	// Workspace is the checkout used for per-event branches.
	Workspace string `mapstructure:"workspace"`
}

// NotifyConfig selects notification channels. The log notifier is always on.
type NotifyConfig struct {
	Command      string `mapstructure:"command"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

// ServerConfig holds the HTTP ingestion surface settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Inbox is a directory watched for *.json event files. Empty disables it.
	Inbox string `mapstructure:"inbox"`
}

// MCPConfig holds MCP server settings.
type MCPConfig struct {
	// Addr serves streamable HTTP when set; otherwise stdio is used.
	Addr  string          `mapstructure:"addr"`
	OAuth MCPOAuthConfig `mapstructure:"oauth"`
}

// MCPOAuthConfig enables OAuth in front of the HTTP MCP transport.
type MCPOAuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	ServerURL string `mapstructure:"server_url"`
}

// ClassifierConfig locates the signature catalog.
type ClassifierConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

// RegistryConfig locates the agent roster.
type RegistryConfig struct {
	RosterFile string `mapstructure:"roster_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (BRAIN_*, ANTHROPIC_API_KEY)
// 2. Project config (.brain.yaml in current directory or parent)
// 3. User config (~/.config/brain/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Notify.SlackWebhook = expandEnv(cfg.Notify.SlackWebhook)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Oracle.Provider {
	case "policy", "anthropic":
	default:
		return fmt.Errorf("oracle.provider: unknown provider %q", c.Oracle.Provider)
	}
	if c.Scheduler.MaxDelay < time.Second {
		return fmt.Errorf("scheduler.max_delay: %v is below 1s", c.Scheduler.MaxDelay)
	}
	if c.Dispatch.Tick <= 0 || c.Dispatch.HuddleTimeout <= 0 {
		return fmt.Errorf("dispatch: tick and huddle_timeout must be positive")
	}
	if c.Dispatch.MaxDispatchesPerEvent < 1 {
		return fmt.Errorf("dispatch.max_dispatches_per_event: must be at least 1")
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("store.path", cfg.Store.Path)
	v.Set("log.debug_file", cfg.Log.DebugFile)
	v.Set("scheduler.max_delay", cfg.Scheduler.MaxDelay.String())
	v.Set("scheduler.ci_delay", cfg.Scheduler.CIDelay.String())
	v.Set("scheduler.sync_delay", cfg.Scheduler.SyncDelay.String())
	v.Set("scheduler.quick_delay", cfg.Scheduler.QuickDelay.String())
	v.Set("dispatch.huddle_timeout", cfg.Dispatch.HuddleTimeout.String())
	v.Set("dispatch.tick", cfg.Dispatch.Tick.String())
	v.Set("dispatch.max_huddle_resumes", cfg.Dispatch.MaxHuddleResumes)
	v.Set("dispatch.max_dispatches_per_event", cfg.Dispatch.MaxDispatchesPerEvent)
	v.Set("authority.maintainer", cfg.Authority.Maintainer)
	v.Set("oracle.provider", cfg.Oracle.Provider)
	v.Set("oracle.model", cfg.Oracle.Model)
	v.Set("oracle.bedrock", cfg.Oracle.Bedrock)
	v.Set("oracle.region", cfg.Oracle.Region)
	v.Set("backend.url", cfg.Backend.URL)
	v.Set("backend.timeout", cfg.Backend.Timeout.String())
	v.Set("gitops.root", cfg.GitOps.Root)
	v.Set("gitops.remote", cfg.GitOps.Remote)
	v.Set("gitops.workspace", cfg.GitOps.Workspace)
	v.Set("notify.command", cfg.Notify.Command)
	v.Set("notify.slack_webhook", cfg.Notify.SlackWebhook)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("server.inbox", cfg.Server.Inbox)
	v.Set("mcp.addr", cfg.MCP.Addr)
	v.Set("mcp.oauth.enabled", cfg.MCP.OAuth.Enabled)
	v.Set("mcp.oauth.provider", cfg.MCP.OAuth.Provider)
	v.Set("mcp.oauth.issuer", cfg.MCP.OAuth.Issuer)
	v.Set("mcp.oauth.audience", cfg.MCP.OAuth.Audience)
	v.Set("mcp.oauth.server_url", cfg.MCP.OAuth.ServerURL)
	v.Set("classifier.catalog_file", cfg.Classifier.CatalogFile)
	v.Set("registry.roster_file", cfg.Registry.RosterFile)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("log.debug_file", "")

	v.SetDefault("scheduler.max_delay", d.Scheduler.MaxDelay.String())
	v.SetDefault("scheduler.ci_delay", d.Scheduler.CIDelay.String())
	v.SetDefault("scheduler.sync_delay", d.Scheduler.SyncDelay.String())
	v.SetDefault("scheduler.quick_delay", d.Scheduler.QuickDelay.String())

	v.SetDefault("dispatch.huddle_timeout", d.Dispatch.HuddleTimeout.String())
	v.SetDefault("dispatch.tick", d.Dispatch.Tick.String())
	v.SetDefault("dispatch.max_huddle_resumes", d.Dispatch.MaxHuddleResumes)
	v.SetDefault("dispatch.max_dispatches_per_event", d.Dispatch.MaxDispatchesPerEvent)

	v.SetDefault("authority.maintainer", "")

	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.bedrock", false)
	v.SetDefault("oracle.region", d.Oracle.Region)

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.timeout", d.Backend.Timeout.String())

	v.SetDefault("gitops.root", "")
	v.SetDefault("gitops.remote", d.GitOps.Remote)
	v.SetDefault("gitops.workspace", "")

	v.SetDefault("notify.command", "")
	v.SetDefault("notify.slack_webhook", "")

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.inbox", "")

	v.SetDefault("mcp.addr", "")
	v.SetDefault("mcp.oauth.enabled", false)
	v.SetDefault("mcp.oauth.provider", "")
	v.SetDefault("mcp.oauth.issuer", "")
	v.SetDefault("mcp.oauth.audience", "")
	v.SetDefault("mcp.oauth.server_url", "")

	v.SetDefault("classifier.catalog_file", "")
	v.SetDefault("registry.roster_file", "")
}

// getUserConfigDir returns the XDG config directory for the Brain.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "brain")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "brain")
	}
	return filepath.Join(home, ".config", "brain")
}

// defaultStorePath mirrors state.DefaultDBPath without importing it.
func defaultStorePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "brain", "brain.db")
}

// findProjectConfig searches for .brain.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".brain.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Scheduler: SchedulerConfig{
			MaxDelay:   15 * time.Minute,
			CIDelay:    300 * time.Second,
			SyncDelay:  180 * time.Second,
			QuickDelay: 60 * time.Second,
		},
		Dispatch: DispatchConfig{
			HuddleTimeout:         2 * time.Minute,
			Tick:                  5 * time.Second,
			MaxHuddleResumes:      3,
			MaxDispatchesPerEvent: 8,
		},
		Oracle: OracleConfig{
			Provider: "policy",
			Model:    "claude-sonnet-4-5",
			Region:   "us-east-1",
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Minute,
		},
		GitOps: GitOpsConfig{
			Remote: "origin",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8088",
		},
	}
}
