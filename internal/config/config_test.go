package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{"SERVER_IP", "CHAT_PORT", "FILE_PORT", "VIDEO_PORT", "AUDIO_PORT", "DATA_DIR", "LOG_LEVEL", "LOG_FILE", "CERT_VALIDITY"}
	for _, k := range keys {
		k, old, had := k, os.Getenv(k), false
		if _, ok := os.LookupEnv(k); ok {
			had = true
		}
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadUsesDefaultsWhenEnvAbsent(t *testing.T) {
	clearEnv(t)
	cfg := Load("/nonexistent/path/.env", nil)

	if cfg.ChatPort != defaultChatPort {
		t.Errorf("expected default chat port %d, got %d", defaultChatPort, cfg.ChatPort)
	}
	if cfg.FilePort != defaultFilePort {
		t.Errorf("expected default file port %d, got %d", defaultFilePort, cfg.FilePort)
	}
	if cfg.ServerIP != "localhost" {
		t.Errorf("expected default server ip localhost, got %q", cfg.ServerIP)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("CHAT_PORT", "9999")
	os.Setenv("SERVER_IP", "10.0.0.5")

	cfg := Load("/nonexistent/path/.env", nil)
	if cfg.ChatPort != 9999 {
		t.Errorf("expected overridden chat port 9999, got %d", cfg.ChatPort)
	}
	if cfg.ServerIP != "10.0.0.5" {
		t.Errorf("expected overridden server ip, got %q", cfg.ServerIP)
	}
}

func TestLoadFallsBackOnUnparseableInt(t *testing.T) {
	clearEnv(t)
	os.Setenv("CHAT_PORT", "not-a-number")

	cfg := Load("/nonexistent/path/.env", nil)
	if cfg.ChatPort != defaultChatPort {
		t.Errorf("expected fallback to default on unparseable port, got %d", cfg.ChatPort)
	}
}
