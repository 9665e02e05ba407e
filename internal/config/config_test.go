package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirolink/kiro-gateway/internal/auth/kiro"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load with missing file: %v", err)
	}
	if cfg.Port != 8317 {
		t.Errorf("default port = %d, want 8317", cfg.Port)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("default region = %q, want us-east-1", cfg.Region)
	}
	if got := cfg.RequestTimeout(); got != 300*time.Second {
		t.Errorf("request timeout = %v, want 300s", got)
	}
	if got := cfg.RefreshLead(); got != 5*time.Minute {
		t.Errorf("refresh lead = %v, want 5m", got)
	}
	if got := cfg.NearExpiryLead(); got != 10*time.Minute {
		t.Errorf("near-expiry lead = %v, want 10m", got)
	}
	if cfg.RedisEnabled() {
		t.Errorf("redis should be disabled by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: 9000
debug: true
api-keys:
  - sk-test
auth-dir: /var/lib/kiro
cooldown-seconds: 12
redis:
  addr: localhost:6379
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9000 || !cfg.Debug {
		t.Errorf("unexpected server settings: %+v", cfg)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "sk-test" {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
	if got := cfg.Cooldown(); got != 12*time.Second {
		t.Errorf("cooldown = %v, want 12s", got)
	}
	if !cfg.RedisEnabled() {
		t.Errorf("redis should be enabled")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KIRO_GATEWAY_PORT", "7777")
	t.Setenv("KIRO_GATEWAY_API_KEY", "sk-env")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("env port override = %d, want 7777", cfg.Port)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "sk-env" {
		t.Errorf("env api key override = %v", cfg.APIKeys)
	}
}

func TestNormalizeKiroTokenFiles(t *testing.T) {
	cfg := &Config{
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: " token-a.json ", Region: "us-east-1"},
			{TokenFilePath: "token-a.json", Region: "us-east-1"},
			{TokenFilePath: "token-b.json", Region: ""},
		},
	}

	cfg.NormalizeKiroTokenFiles()

	if len(cfg.KiroTokenFiles) != 2 {
		t.Fatalf("expected 2 normalized entries, got %d", len(cfg.KiroTokenFiles))
	}
	for _, entry := range cfg.KiroTokenFiles {
		if strings.TrimSpace(entry.TokenFilePath) == "" {
			t.Fatalf("unexpected empty token file path in normalized list: %+v", entry)
		}
		if entry.Region == "" {
			t.Fatalf("expected default region to be applied, entry=%+v", entry)
		}
	}
}

func TestValidateKiroTokenFiles_Success(t *testing.T) {
	tempDir := t.TempDir()
	tokenPath := filepath.Join(tempDir, "kiro.json")
	token := &kiro.KiroTokenStorage{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:123456789012:profile/test",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
		AuthMethod:   "social",
		Provider:     "GitHub",
	}
	if err := token.SaveTokenToFile(tokenPath); err != nil {
		t.Fatalf("failed to write token: %v", err)
	}

	cfg := &Config{
		AuthDir: tempDir,
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: filepath.Base(tokenPath)},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	if err := cfg.ValidateKiroTokenFiles(); err != nil {
		t.Fatalf("validate success: %v", err)
	}
}

func TestValidateKiroTokenFiles_MissingFile(t *testing.T) {
	cfg := &Config{
		AuthDir: t.TempDir(),
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: "missing.json"},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	if err := cfg.ValidateKiroTokenFiles(); err == nil {
		t.Fatalf("expected error for missing token file")
	}
}

func TestValidateKiroTokenFiles_InvalidToken(t *testing.T) {
	tempDir := t.TempDir()
	tokenPath := filepath.Join(tempDir, "invalid.json")
	if err := os.WriteFile(tokenPath, []byte(`{"accessToken":"only-access"}`), 0o600); err != nil {
		t.Fatalf("failed to write token: %v", err)
	}

	cfg := &Config{
		AuthDir: tempDir,
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: filepath.Base(tokenPath)},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	err := cfg.ValidateKiroTokenFiles()
	if err == nil || !strings.Contains(err.Error(), "refreshToken") {
		t.Fatalf("expected refreshToken error, got %v", err)
	}
}
