package internal

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/inkwell/internal/autosave"
	"github.com/starford/inkwell/internal/contentstore"
	pkgconfig "github.com/starford/inkwell/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.AutoSave.Debounce != 7*time.Second {
		t.Errorf("debounce = %v, want 7s", cfg.AutoSave.Debounce)
	}
	if err := cfg.Client.Validate(); err == nil {
		t.Error("client section needs an owner id")
	}
	cfg.Client.OwnerID = "u1"
	if err := cfg.Client.Validate(); err != nil {
		t.Errorf("client with owner should validate: %v", err)
	}
}

func TestContentConfig_BackendRequirements(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ContentConfig)
		wantErr string
	}{
		{"filesystem without root", func(c *ContentConfig) { c.FS.Root = "" }, "fs.root"},
		{"s3 without bucket", func(c *ContentConfig) { c.Type = contentstore.BackendS3 }, "s3.bucket"},
		{"unknown backend", func(c *ContentConfig) { c.Type = "tape" }, "Type"},
		{"zero retries", func(c *ContentConfig) { c.RetryAttempts = 0 }, "RetryAttempts"},
		{"memory needs nothing", func(c *ContentConfig) {
			c.Type = contentstore.BackendMemory
			c.FS.Root = ""
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefaultConfig().Content
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
app:
  log_level: debug
  http:
    port: 9090
sqlite:
  path: /tmp/inkwell.db
content:
  type: s3
  s3:
    bucket: notes
    region: eu-west-1
  retry_attempts: 5
  backup_before_overwrite: true
autosave:
  debounce: 2s
  retry_delay: 500ms
  retry_attempts: 1
offline:
  dir: /tmp/offline
  retention: 48h
client:
  owner_id: u1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.App.HTTP.Port != 9090 {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Content.Type != contentstore.BackendS3 || cfg.Content.S3.Bucket != "notes" || !cfg.Content.BackupBeforeOverwrite {
		t.Errorf("content = %+v", cfg.Content)
	}
	if cfg.Content.RetryBaseDelay != 200*time.Millisecond {
		t.Errorf("unset keys keep defaults, got retry_base_delay %v", cfg.Content.RetryBaseDelay)
	}
	want := autosave.Config{Debounce: 2 * time.Second, RetryDelay: 500 * time.Millisecond, RetryAttempts: 1}
	if got := cfg.AutoSave.Orchestrator(); got != want {
		t.Errorf("autosave = %+v, want %+v", got, want)
	}
	if cfg.Offline.Retention != 48*time.Hour || cfg.Client.OwnerID != "u1" {
		t.Errorf("offline = %+v client = %+v", cfg.Offline, cfg.Client)
	}
}
