package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every TVFLEET_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "TVFLEET_") {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.WSPath != "/ws" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RegisterTimeout != 30*time.Second {
		t.Errorf("register timeout = %s", cfg.Server.RegisterTimeout)
	}
	if cfg.Channel.Backend != BackendSpool {
		t.Errorf("backend = %q", cfg.Channel.Backend)
	}
	if cfg.Database.Path != filepath.Join("/data", "tvfleet.db") {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Channel.SpoolDir != filepath.Join("/data", "notifications") {
		t.Errorf("spool dir = %q", cfg.Channel.SpoolDir)
	}
}

func TestLoad_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("TVFLEET_LISTEN", ":9000")
	t.Setenv("TVFLEET_DATA_DIR", "/srv/tv")
	t.Setenv("TVFLEET_REGISTER_TIMEOUT", "5s")
	t.Setenv("TVFLEET_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TVFLEET_RATE_LIMIT", "0")
	t.Setenv("TVFLEET_LOG_FORMAT", "json")
	t.Setenv("UNRELATED", "ignored")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.RegisterTimeout != 5*time.Second {
		t.Errorf("register timeout = %s", cfg.Server.RegisterTimeout)
	}
	if got := cfg.Server.AllowedOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("origins = %v", got)
	}
	if cfg.Server.RateLimit != 0 {
		t.Errorf("rate limit = %d", cfg.Server.RateLimit)
	}
	if cfg.Database.Path != filepath.Join("/srv/tv", "tvfleet.db") {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "tvfleet.yaml")
	yaml := "server:\n  listen_addr: \":7000\"\n  ws_path: /socket\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TVFLEET_LOG_LEVEL", "warn")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" || cfg.Server.WSPath != "/socket" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env did not override file: level = %q", cfg.Logging.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad backend", map[string]string{"TVFLEET_CHANNEL": "kafka"}, "Backend"},
		{"nats without url", map[string]string{"TVFLEET_CHANNEL": "nats"}, "TVFLEET_NATS_URL"},
		{"bad ws path", map[string]string{"TVFLEET_WS_PATH": "ws"}, "WSPath"},
		{"bad log level", map[string]string{"TVFLEET_LOG_LEVEL": "loud"}, "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFile("")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_EmbeddedNATSNeedsNoURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("TVFLEET_CHANNEL", "nats")
	t.Setenv("TVFLEET_NATS_EMBEDDED", "true")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !cfg.Channel.NATSEmbedded {
		t.Error("embedded flag not set")
	}
}

func TestLoadClientFromEnv(t *testing.T) {
	clearEnv(t)

	if _, err := LoadClientFromEnv(); err == nil {
		t.Error("expected error without TVFLEET_URL")
	}

	t.Setenv("TVFLEET_URL", "ws://localhost:8080/ws")
	t.Setenv("TVFLEET_TV_ID", "lobby")
	t.Setenv("TVFLEET_MAX_BACKOFF", "5")

	cfg, err := LoadClientFromEnv()
	if err != nil {
		t.Fatalf("LoadClientFromEnv: %v", err)
	}
	if cfg.TvID != "lobby" || cfg.MaxBackoff != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("TVFLEET_MAX_BACKOFF", "soon")
	if _, err := LoadClientFromEnv(); err == nil {
		t.Error("expected error for non-numeric backoff")
	}
}
