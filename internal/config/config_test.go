package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"HOST", "PORT", "API_KEY", "REGION", "DATA_DIR", "POOL_MODE", "REFRESH_TOKEN", "AUTH_METHOD", "CLIENT_ID", "CLIENT_SECRET"} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	clearEnv(t)
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when no API key is configured")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("API_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != "8080" || cfg.Region != "us-east-1" || !cfg.PoolMode {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("apiKey: from-file\nport: \"9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	os.Setenv("PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "from-file" {
		t.Errorf("APIKey = %q, want from-file", cfg.APIKey)
	}
	if cfg.Port != "7070" {
		t.Errorf("Port = %q, want env override 7070", cfg.Port)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	os.Setenv("API_KEY", "secret")

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
}

func TestLoadPoolModeFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("API_KEY", "secret")
	os.Setenv("POOL_MODE", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolMode {
		t.Error("PoolMode = true, want false from POOL_MODE=false")
	}
}
