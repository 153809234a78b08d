package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: testbot
max_history: 10
channels:
  telegram:
    enabled: true
    token: abc
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Name != "testbot" || cfg.MaxHistory != 10 {
		t.Errorf("overrides not applied: %s / %d", cfg.Name, cfg.MaxHistory)
	}
	// Untouched fields keep defaults.
	if cfg.Persona != DefaultPersona {
		t.Errorf("persona = %q", cfg.Persona)
	}
	if cfg.API.Model != "gpt-4.1-mini" {
		t.Errorf("model = %q", cfg.API.Model)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "abc" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	if !cfg.Channels.Telegram.RespondToDMs {
		t.Error("telegram defaults lost")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("{notyaml")); err == nil {
		t.Fatal("want error for invalid YAML")
	}
}

func TestLoadFromFileExpandsEnvVars(t *testing.T) {
	t.Setenv("BOTIK_TEST_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "channels:\n  telegram:\n    token: ${BOTIK_TEST_TOKEN}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Channels.Telegram.Token != "secret-token" {
		t.Errorf("token = %q, want expanded env value", cfg.Channels.Telegram.Token)
	}
}

func TestLoadFromFileKeepsUnsetPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "api:\n  api_key: ${BOTIK_DEFINITELY_UNSET_VAR}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if !IsEnvReference(cfg.API.APIKey) {
		t.Errorf("api_key = %q, want unresolved reference kept", cfg.API.APIKey)
	}
}

func TestSaveToFileSanitizesSecrets(t *testing.T) {
	t.Setenv("BOTIK_API_KEY", "sk-real-key-value")

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-real-key-value"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-real-key-value") {
		t.Error("secret written in plaintext despite matching env var")
	}
	if !strings.Contains(string(data), "${BOTIK_API_KEY}") {
		t.Error("env reference not written")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %04o, want 0600", perm)
	}
}

func TestIsEnvReference(t *testing.T) {
	if !IsEnvReference("${FOO}") || !IsEnvReference("$FOO") {
		t.Error("references not detected")
	}
	if IsEnvReference("sk-abc") {
		t.Error("plain value detected as reference")
	}
}
