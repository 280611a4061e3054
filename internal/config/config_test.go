package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONSOLE_IDENTITY_URL", "https://id.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8090" || cfg.CallTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.APIURL != "https://id.example.com" {
		t.Fatalf("api url should default to identity url, got %q", cfg.APIURL)
	}
	if cfg.Store.Kind != StoreFile || cfg.Store.Path != "" || cfg.Store.Profile != "default" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
}

func TestLoadRequiresIdentityURL(t *testing.T) {
	t.Setenv("CONSOLE_IDENTITY_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONSOLE_IDENTITY_URL", "https://id.example.com")
	t.Setenv("CONSOLE_API_URL", "https://api.example.com")
	t.Setenv("CONSOLE_STORE", "postgres://u:p@db/console")
	t.Setenv("CONSOLE_PROFILE", "work")
	t.Setenv("CONSOLE_CALL_TIMEOUT", "3s")
	t.Setenv("CONSOLE_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Kind != StorePostgres || cfg.Store.DSN != "postgres://u:p@db/console" || cfg.Store.Profile != "work" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if cfg.CallTimeout != 3*time.Second {
		t.Fatalf("timeout = %v", cfg.CallTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"CONSOLE_CALL_TIMEOUT": "soon",
		"CONSOLE_RATE_BURST":   "0",
		"CONSOLE_RATE_PER_SEC": "-1",
		"CONSOLE_STORE":        "redis://x",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("CONSOLE_IDENTITY_URL", "https://id.example.com")
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestParseStore(t *testing.T) {
	sc, err := parseStore("file:/tmp/s.json", "p")
	if err != nil || sc.Kind != StoreFile || sc.Path != "/tmp/s.json" {
		t.Fatalf("unexpected %+v, %v", sc, err)
	}
	sc, err = parseStore("memory", "p")
	if err != nil || sc.Kind != StoreMemory {
		t.Fatalf("unexpected %+v, %v", sc, err)
	}
}
