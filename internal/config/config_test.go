package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_ASSISTANT_KEY", "sk-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen:
  port: 9090
provider:
  api_key: ${TEST_ASSISTANT_KEY}
context:
  window_size: 10
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, env not expanded", cfg.Provider.APIKey)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.Context.WindowSize != 10 {
		t.Errorf("window_size = %d", cfg.Context.WindowSize)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Provider.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model default = %q", cfg.Provider.Model)
	}
	if cfg.Context.SummaryWordBudget != 300 || cfg.Context.TokenCeiling != 8000 {
		t.Errorf("context defaults = %+v", cfg.Context)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("max_retries default = %d", cfg.Retry.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() = nil error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil error for invalid yaml")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	found, err := FindConfig(path)
	if err != nil || found != path {
		t.Errorf("FindConfig(explicit) = %q, %v", found, err)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("FindConfig() = nil error for missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	out := ReplaceLogLevelNames(nil, attr)
	if out.Value.String() != "TRACE" {
		t.Errorf("trace rendered as %q", out.Value.String())
	}

	attr = slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	out = ReplaceLogLevelNames(nil, attr)
	if out.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Error("standard level rewritten")
	}
}
