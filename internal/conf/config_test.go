package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "petrel.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func TestLoadConfig_Success(t *testing.T) {
	path := writeConfig(t, `account:
  address: alice@example.com
  imap_host: imap.example.com
  imap_port: 143
cache:
  encrypt: true
folders_exclude:
  - "[Gmail]/All Mail"
  - Spam
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Account.ImapHost != "imap.example.com" {
		t.Errorf("Expected imap_host 'imap.example.com', got '%s'", cfg.Account.ImapHost)
	}
	if cfg.Account.ImapPort != 143 {
		t.Errorf("Expected imap_port 143, got %d", cfg.Account.ImapPort)
	}
	if !cfg.Cache.Encrypt {
		t.Errorf("Expected cache encryption enabled")
	}
	if len(cfg.FoldersExclude) != 2 || cfg.FoldersExclude[0] != "[Gmail]/All Mail" {
		t.Errorf("Unexpected folder exclusions: %v", cfg.FoldersExclude)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `account:
  address: alice@example.com
  imap_host: imap.example.com
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Account.ImapPort != 993 {
		t.Errorf("Expected default imap port 993, got %d", cfg.Account.ImapPort)
	}
	if cfg.Account.SmtpPort != 587 {
		t.Errorf("Expected default smtp port 587, got %d", cfg.Account.SmtpPort)
	}
	if cfg.Account.User != "alice@example.com" {
		t.Errorf("Expected user defaulted to address, got '%s'", cfg.Account.User)
	}
	if cfg.IdleTimeoutMin != 29 {
		t.Errorf("Expected default idle timeout 29, got %d", cfg.IdleTimeoutMin)
	}
	if cfg.Cache.Dir == "" {
		t.Errorf("Expected a default cache dir")
	}
	if cfg.Cache.PrefetchLevel != PrefetchLevelFullSync {
		t.Errorf("Expected default prefetch level %d, got %d", PrefetchLevelFullSync, cfg.Cache.PrefetchLevel)
	}
	if cfg.OAuth.TokenFile == "" {
		t.Errorf("Expected a default token file path")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}

func TestLoadConfig_MissingHost(t *testing.T) {
	path := writeConfig(t, `account:
  address: alice@example.com
`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for missing imap_host, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `account: [invalid yaml structure
  missing closing bracket
`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid YAML, got nil")
	}
}
