package config

import (
	"testing"
)

func TestResolveAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		cfg        *Config
		wantKey    string
		wantSource KeySource
		wantErr    error
	}{
		{
			name:       "environment wins",
			env:        "sk-ant-env-key",
			cfg:        &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}},
			wantKey:    "sk-ant-env-key",
			wantSource: KeySourceEnv,
		},
		{
			name:       "config file",
			cfg:        &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}},
			wantKey:    "sk-ant-config-key",
			wantSource: KeySourceConfig,
		},
		{
			name:       "unexpanded reference is ignored",
			cfg:        &Config{Anthropic: AnthropicConfig{APIKey: "${BRAIN_TEST_UNSET_KEY}"}},
			wantSource: KeySourceNone,
			wantErr:    ErrNoAPIKey,
		},
		{
			name:       "bedrock needs no key",
			cfg:        &Config{Oracle: OracleConfig{Bedrock: true}},
			wantSource: KeySourceBedrock,
		},
		{
			name:       "nothing configured",
			cfg:        &Config{},
			wantSource: KeySourceNone,
			wantErr:    ErrNoAPIKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ANTHROPIC_API_KEY", tt.env)
			key, source, err := ResolveAPIKey(tt.cfg)
			if err != tt.wantErr {
				t.Fatalf("ResolveAPIKey() error = %v, want %v", err, tt.wantErr)
			}
			if key != tt.wantKey || source != tt.wantSource {
				t.Errorf("ResolveAPIKey() = %q, %s, want %q, %s", key, source, tt.wantKey, tt.wantSource)
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty key", "", true},
		{"wrong prefix", "sk-openai-abcdefghijklmnop", true},
		{"too short", "sk-ant-abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}
	for _, tt := range tests {
		if got := MaskSecret(tt.in); got != tt.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
