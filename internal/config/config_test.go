package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Cfg = Settings{}
	Load()

	if Cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", Cfg.Port)
	}
	if Cfg.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %s, want 30s", Cfg.CommandTimeout)
	}
	if Cfg.HistoryLimit != 1000 || Cfg.HistoryDefault != 20 {
		t.Errorf("history caps = %d/%d, want 1000/20", Cfg.HistoryLimit, Cfg.HistoryDefault)
	}
	if Cfg.StoreURL != "memory://" {
		t.Errorf("StoreURL = %q, want memory://", Cfg.StoreURL)
	}
	if Cfg.ScrollbackSize != "256KiB" {
		t.Errorf("ScrollbackSize = %q, want 256KiB", Cfg.ScrollbackSize)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CBASH_PORT", "9001")
	t.Setenv("CBASH_COMMAND_TIMEOUT", "5s")
	t.Setenv("CBASH_STORE_URL", "redis://localhost:6379/0")
	t.Setenv("CBASH_REQUIRE_TOKEN", "true")

	Cfg = Settings{}
	Load()

	if Cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", Cfg.Port)
	}
	if Cfg.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout = %s, want 5s", Cfg.CommandTimeout)
	}
	if Cfg.StoreURL != "redis://localhost:6379/0" {
		t.Errorf("StoreURL = %q", Cfg.StoreURL)
	}
	if !Cfg.RequireToken {
		t.Error("RequireToken = false, want true")
	}
}

func TestAddr(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		expected string
	}{
		{"port only", Settings{Port: 8000}, ":8000"},
		{"listen addr wins", Settings{Port: 8000, ListenAddr: "127.0.0.1:9000"}, "127.0.0.1:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.settings.Addr(); got != tt.expected {
				t.Errorf("Addr() = %q, want %q", got, tt.expected)
			}
		})
	}
}
