package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Database:     "imsync.db",
		SyncInterval: 5 * time.Minute,
		Projects: []ProjectConfig{
			{ID: "alpha", Repo: "acme/app", BaseURL: "https://tracker.example.com"},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.Database = "" }, "database"},
		{"zero interval", func(c *Config) { c.SyncInterval = 0 }, "sync_interval"},
		{"no projects", func(c *Config) { c.Projects = nil }, "at least one project"},
		{"missing project id", func(c *Config) { c.Projects[0].ID = "" }, "id is required"},
		{"missing repo", func(c *Config) { c.Projects[0].Repo = "" }, "repo is required"},
		{"missing base url", func(c *Config) { c.Projects[0].BaseURL = "" }, "base_url is required"},
		{"duplicate project id", func(c *Config) {
			c.Projects = append(c.Projects, c.Projects[0])
		}, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProjectScope(t *testing.T) {
	tests := []struct {
		baseURL string
		repo    string
		want    string
	}{
		{"https://tracker.example.com", "acme/app", "tracker.example.com/acme/app"},
		{"https://tracker.example.com/", "acme/app", "tracker.example.com/acme/app"},
		{"http://localhost:9000", "acme/app", "localhost:9000/acme/app"},
	}
	for _, tt := range tests {
		p := ProjectConfig{Repo: tt.repo, BaseURL: tt.baseURL}
		if got := p.Scope(); got != tt.want {
			t.Errorf("Scope(%q, %q) = %q, want %q", tt.baseURL, tt.repo, got, tt.want)
		}
	}
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imsync.yaml")
	content := `database: /var/lib/imsync/sync.db
sync_interval: 90s
projects:
  - id: alpha
    repo: acme/app
    base_url: https://tracker.example.com
    service_token: tok-svc
    user_tokens:
      u1: tok-u1
    max_requests: 400
    reserve: 50
    max_mutations: 20
dashboard:
  enabled: true
  addr: localhost:9999
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database != "/var/lib/imsync/sync.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.SyncInterval != 90*time.Second {
		t.Errorf("SyncInterval = %s, want 90s", cfg.SyncInterval)
	}
	if len(cfg.Projects) != 1 {
		t.Fatalf("Projects = %d, want 1", len(cfg.Projects))
	}
	p := cfg.Projects[0]
	if p.ServiceToken != "tok-svc" || p.UserTokens["u1"] != "tok-u1" {
		t.Errorf("Tokens not loaded: service=%q users=%v", p.ServiceToken, p.UserTokens)
	}
	if p.MaxRequests != 400 || p.Reserve != 50 || p.MaxMutations != 20 {
		t.Errorf("Budget fields = %d/%d/%d, want 400/50/20", p.MaxRequests, p.Reserve, p.MaxMutations)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Addr != "localhost:9999" {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
	if cfg.Log.MaxSizeMB != 50 || cfg.Log.MaxBackups != 3 {
		t.Errorf("Log defaults = %+v, want max_size_mb=50 max_backups=3", cfg.Log)
	}
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imsync.yaml")
	// No projects configured.
	if err := os.WriteFile(path, []byte("database: sync.db\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := NewLoader(path).Load(); err == nil {
		t.Error("Load() should reject a config with no projects")
	}
}

func TestYAMLRedactsTokens(t *testing.T) {
	cfg := validConfig()
	cfg.Projects[0].ServiceToken = "super-secret"
	cfg.Projects[0].UserTokens = map[string]string{"u1": "also-secret"}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML() failed: %v", err)
	}
	if strings.Contains(out, "super-secret") || strings.Contains(out, "also-secret") {
		t.Errorf("Rendered config leaks tokens:\n%s", out)
	}
	if !strings.Contains(out, "<redacted>") {
		t.Errorf("Rendered config missing redaction marker:\n%s", out)
	}
}
