package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"scheduler.max_delay", cfg.Scheduler.MaxDelay, 15 * time.Minute},
		{"scheduler.ci_delay", cfg.Scheduler.CIDelay, 300 * time.Second},
		{"scheduler.sync_delay", cfg.Scheduler.SyncDelay, 180 * time.Second},
		{"scheduler.quick_delay", cfg.Scheduler.QuickDelay, 60 * time.Second},
		{"dispatch.huddle_timeout", cfg.Dispatch.HuddleTimeout, 2 * time.Minute},
		{"dispatch.tick", cfg.Dispatch.Tick, 5 * time.Second},
		{"dispatch.max_huddle_resumes", cfg.Dispatch.MaxHuddleResumes, 3},
		{"oracle.provider", cfg.Oracle.Provider, "policy"},
		{"gitops.remote", cfg.GitOps.Remote, "origin"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
authority:
  maintainer: U-ONCALL
scheduler:
  max_delay: 10m
  ci_delay: 2m
dispatch:
  huddle_timeout: 30s
  tick: 1s
  max_dispatches_per_event: 4
oracle:
  provider: anthropic
  model: claude-haiku-4-5
backend:
  url: http://agents.internal:9000
notify:
  slack_webhook: ${BRAIN_TEST_WEBHOOK}
classifier:
  catalog_file: /etc/brain/signatures.yaml
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("BRAIN_TEST_WEBHOOK", "https://hooks.slack.test/abc")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Authority.Maintainer != "U-ONCALL" {
		t.Errorf("maintainer = %q, want U-ONCALL", cfg.Authority.Maintainer)
	}
	if cfg.Scheduler.MaxDelay != 10*time.Minute || cfg.Scheduler.CIDelay != 2*time.Minute {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	// Unset keys keep their defaults.
	if cfg.Scheduler.SyncDelay != 180*time.Second {
		t.Errorf("sync_delay = %v, want default 3m", cfg.Scheduler.SyncDelay)
	}
	if cfg.Dispatch.HuddleTimeout != 30*time.Second || cfg.Dispatch.MaxDispatchesPerEvent != 4 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Oracle.Provider != "anthropic" || cfg.Oracle.Model != "claude-haiku-4-5" {
		t.Errorf("oracle = %+v", cfg.Oracle)
	}
	if cfg.Notify.SlackWebhook != "https://hooks.slack.test/abc" {
		t.Errorf("slack_webhook = %q, want expanded env", cfg.Notify.SlackWebhook)
	}
	if cfg.Classifier.CatalogFile != "/etc/brain/signatures.yaml" {
		t.Errorf("catalog_file = %q", cfg.Classifier.CatalogFile)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("authority:\n  maintainer: U-FILE\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BRAIN_AUTHORITY_MAINTAINER", "U-ENV")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Authority.Maintainer != "U-ENV" {
		t.Errorf("maintainer = %q, want U-ENV", cfg.Authority.Maintainer)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown oracle", "oracle:\n  provider: magic\n"},
		{"max delay too small", "scheduler:\n  max_delay: 100ms\n"},
		{"zero dispatch budget", "dispatch:\n  max_dispatches_per_event: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFromPath(configPath); err == nil {
				t.Error("LoadFromPath() succeeded, want validation error")
			}
		})
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Authority.Maintainer = "U-SAVED"
	cfg.Dispatch.Tick = 2 * time.Second
	cfg.Server.Inbox = "/var/spool/brain"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Authority.Maintainer != "U-SAVED" || loaded.Dispatch.Tick != 2*time.Second || loaded.Server.Inbox != "/var/spool/brain" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestGetUserConfigPath_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	want := filepath.Join(dir, "brain", "config.yaml")
	if got := GetUserConfigPath(); got != want {
		t.Errorf("GetUserConfigPath() = %q, want %q", got, want)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, ".brain.yaml")
	if err := os.WriteFile(want, []byte("oracle:\n  provider: policy\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got := findProjectConfig()
	// macOS temp dirs resolve through /private; compare resolved paths.
	gotResolved, _ := filepath.EvalSymlinks(got)
	wantResolved, _ := filepath.EvalSymlinks(want)
	if gotResolved != wantResolved {
		t.Errorf("findProjectConfig() = %q, want %q", got, want)
	}
}
