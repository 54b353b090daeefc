package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Brain configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/brain/config.yaml
Project-specific overrides can be placed in .brain.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			for _, key := range configKeyNames() {
				v, _ := getConfigValue(cfg, key)
				fmt.Printf("%s: %s\n", key, v)
			}
			return nil
		case 1:
			v, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

func saveConfig(cfg *config.Config) error {
	if configPath != "" {
		return config.SaveTo(cfg, configPath)
	}
	return config.Save(cfg)
}

// configKey reads and writes one dot-notation setting.
type configKey struct {
	get func(*config.Config) string
	set func(*config.Config, string) error
}

func stringKey(field func(*config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) string { return *field(c) },
		set: func(c *config.Config, v string) error { *field(c) = v; return nil },
	}
}

func secretKey(field func(*config.Config) *string) configKey {
	k := stringKey(field)
	k.get = func(c *config.Config) string { return config.MaskSecret(*field(c)) }
	return k
}

func durationKey(field func(*config.Config) *time.Duration) configKey {
	return configKey{
		get: func(c *config.Config) string { return field(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", v, err)
			}
			*field(c) = d
			return nil
		},
	}
}

func intKey(field func(*config.Config) *int) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q: %w", v, err)
			}
			*field(c) = n
			return nil
		},
	}
}

func boolKey(field func(*config.Config) *bool) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q: %w", v, err)
			}
			*field(c) = b
			return nil
		},
	}
}

var configKeys = map[string]configKey{
	"anthropic.api_key": secretKey(func(c *config.Config) *string { return &c.Anthropic.APIKey }),
	"store.path":        stringKey(func(c *config.Config) *string { return &c.Store.Path }),
	"log.debug_file":    stringKey(func(c *config.Config) *string { return &c.Log.DebugFile }),

	"scheduler.max_delay":   durationKey(func(c *config.Config) *time.Duration { return &c.Scheduler.MaxDelay }),
	"scheduler.ci_delay":    durationKey(func(c *config.Config) *time.Duration { return &c.Scheduler.CIDelay }),
	"scheduler.sync_delay":  durationKey(func(c *config.Config) *time.Duration { return &c.Scheduler.SyncDelay }),
	"scheduler.quick_delay": durationKey(func(c *config.Config) *time.Duration { return &c.Scheduler.QuickDelay }),

	"dispatch.huddle_timeout":           durationKey(func(c *config.Config) *time.Duration { return &c.Dispatch.HuddleTimeout }),
	"dispatch.tick":                     durationKey(func(c *config.Config) *time.Duration { return &c.Dispatch.Tick }),
	"dispatch.max_huddle_resumes":       intKey(func(c *config.Config) *int { return &c.Dispatch.MaxHuddleResumes }),
	"dispatch.max_dispatches_per_event": intKey(func(c *config.Config) *int { return &c.Dispatch.MaxDispatchesPerEvent }),

	"authority.maintainer": stringKey(func(c *config.Config) *string { return &c.Authority.Maintainer }),

	"oracle.provider": stringKey(func(c *config.Config) *string { return &c.Oracle.Provider }),
	"oracle.model":    stringKey(func(c *config.Config) *string { return &c.Oracle.Model }),
	"oracle.bedrock":  boolKey(func(c *config.Config) *bool { return &c.Oracle.Bedrock }),
	"oracle.region":   stringKey(func(c *config.Config) *string { return &c.Oracle.Region }),

	"backend.url":     stringKey(func(c *config.Config) *string { return &c.Backend.URL }),
	"backend.timeout": durationKey(func(c *config.Config) *time.Duration { return &c.Backend.Timeout }),

	"gitops.root":      stringKey(func(c *config.Config) *string { return &c.GitOps.Root }),
	"gitops.remote":    stringKey(func(c *config.Config) *string { return &c.GitOps.Remote }),
	"gitops.workspace": stringKey(func(c *config.Config) *string { return &c.GitOps.Workspace }),

	"notify.command":       stringKey(func(c *config.Config) *string { return &c.Notify.Command }),
	"notify.slack_webhook": secretKey(func(c *config.Config) *string { return &c.Notify.SlackWebhook }),

	"server.addr":  stringKey(func(c *config.Config) *string { return &c.Server.Addr }),
	"server.inbox": stringKey(func(c *config.Config) *string { return &c.Server.Inbox }),

	"mcp.addr":             stringKey(func(c *config.Config) *string { return &c.MCP.Addr }),
	"mcp.oauth.enabled":    boolKey(func(c *config.Config) *bool { return &c.MCP.OAuth.Enabled }),
	"mcp.oauth.provider":   stringKey(func(c *config.Config) *string { return &c.MCP.OAuth.Provider }),
	"mcp.oauth.issuer":     stringKey(func(c *config.Config) *string { return &c.MCP.OAuth.Issuer }),
	"mcp.oauth.audience":   stringKey(func(c *config.Config) *string { return &c.MCP.OAuth.Audience }),
	"mcp.oauth.server_url": stringKey(func(c *config.Config) *string { return &c.MCP.OAuth.ServerURL }),

	"classifier.catalog_file": stringKey(func(c *config.Config) *string { return &c.Classifier.CatalogFile }),
	"registry.roster_file":    stringKey(func(c *config.Config) *string { return &c.Registry.RosterFile }),
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for k := range configKeys {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return k.get(cfg), nil
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := k.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
