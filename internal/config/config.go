// Package config loads tvfleet configuration: defaults, then an optional YAML
// file, then TVFLEET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names the variable holding the optional YAML config file path.
const PathEnvVar = "TVFLEET_CONFIG"

// Channel backends.
const (
	BackendSpool = "spool"
	BackendNATS  = "nats"
)

// Config holds socket-server and producer configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	DataDir  string         `koanf:"data_dir" validate:"required"`
	Database DatabaseConfig `koanf:"database"`
	Channel  ChannelConfig  `koanf:"channel"`
	Status   StatusConfig   `koanf:"status"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr" validate:"required"`
	WSPath          string        `koanf:"ws_path" validate:"required,startswith=/"`
	RegisterTimeout time.Duration `koanf:"register_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	RateLimit       int           `koanf:"rate_limit" validate:"gte=0"` // upgrades per minute per IP, 0 disables
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// ChannelConfig selects and configures the notification channel.
type ChannelConfig struct {
	Backend      string `koanf:"backend" validate:"oneof=spool nats"`
	SpoolDir     string `koanf:"spool_dir"`
	NATSURL      string `koanf:"nats_url"`
	NATSEmbedded bool   `koanf:"nats_embedded"`
	NATSPort     int    `koanf:"nats_port" validate:"gte=-1,lte=65535"`
	NATSStoreDir string `koanf:"nats_store_dir"`
	Stream       string `koanf:"stream"`
	Subject      string `koanf:"subject"`
}

// StatusConfig tunes the status synchronizer's store calls.
type StatusConfig struct {
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Default returns a config with default values. Paths derived from the data
// directory are filled in by Load.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			WSPath:          "/ws",
			RegisterTimeout: 30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       120,
		},
		DataDir: "/data",
		Channel: ChannelConfig{
			Backend:  BackendSpool,
			NATSPort: 4222,
			Stream:   "TVFLEET",
			Subject:  "tvfleet.notifications",
		},
		Status: StatusConfig{
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

var envKeys = map[string]string{
	"tvfleet_listen":           "server.listen_addr",
	"tvfleet_ws_path":          "server.ws_path",
	"tvfleet_register_timeout": "server.register_timeout",
	"tvfleet_shutdown_timeout": "server.shutdown_timeout",
	"tvfleet_allowed_origins":  "server.allowed_origins",
	"tvfleet_rate_limit":       "server.rate_limit",
	"tvfleet_data_dir":         "data_dir",
	"tvfleet_db_path":          "database.path",
	"tvfleet_channel":          "channel.backend",
	"tvfleet_spool_dir":        "channel.spool_dir",
	"tvfleet_nats_url":         "channel.nats_url",
	"tvfleet_nats_embedded":    "channel.nats_embedded",
	"tvfleet_nats_port":        "channel.nats_port",
	"tvfleet_nats_store_dir":   "channel.nats_store_dir",
	"tvfleet_nats_stream":      "channel.stream",
	"tvfleet_nats_subject":     "channel.subject",
	"tvfleet_status_timeout":   "status.timeout",
	"tvfleet_log_level":        "logging.level",
	"tvfleet_log_format":       "logging.format",
}

// envKey maps TVFLEET_* variables to config paths. Unknown variables are
// dropped.
func envKey(key string) string {
	return envKeys[strings.ToLower(key)]
}

var validate = validator.New()

// Load reads configuration from the file named by TVFLEET_CONFIG (if set) and
// the environment.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(PathEnvVar))
}

// LoadFile is Load with an explicit config file path. An empty path skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TVFLEET_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitList(k, "server.allowed_origins"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList turns a comma-separated env value into a slice.
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}

	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "tvfleet.db")
	}
	if c.Channel.SpoolDir == "" {
		c.Channel.SpoolDir = filepath.Join(c.DataDir, "notifications")
	}
	if c.Channel.NATSStoreDir == "" {
		c.Channel.NATSStoreDir = filepath.Join(c.DataDir, "nats")
	}
}

func (c *Config) validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if c.Channel.Backend == BackendNATS {
		if c.Channel.NATSURL == "" && !c.Channel.NATSEmbedded {
			errs = append(errs, errors.New("TVFLEET_NATS_URL is required when TVFLEET_CHANNEL=nats and the embedded broker is disabled"))
		}
		if c.Channel.Stream == "" {
			errs = append(errs, errors.New("TVFLEET_NATS_STREAM must not be empty"))
		}
		if c.Channel.Subject == "" {
			errs = append(errs, errors.New("TVFLEET_NATS_SUBJECT must not be empty"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
