// Package config loads the YAML configuration shared by the client and server binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iudanet/fieldsync/internal/client/sync"
)

// Переменные окружения, переопределяющие файл конфигурации
const (
	EnvServerURL = "FIELDSYNC_SERVER_URL"
	EnvDB        = "FIELDSYNC_DB"
	EnvToken     = "FIELDSYNC_TOKEN"
	EnvJWTSecret = "FIELDSYNC_JWT_SECRET"
	EnvServerDB  = "FIELDSYNC_SERVER_DB"
	EnvAddr      = "FIELDSYNC_ADDR"
	EnvLogLevel  = "FIELDSYNC_LOG_LEVEL"
)

// Config is the root of the configuration file.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Sync   SyncConfig   `yaml:"sync"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text или json
}

// ClientConfig настройки клиента
type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	DBPath    string `yaml:"db_path"`
	Token     string `yaml:"token"` // токен устройства, выданный командой server token
}

// ServerConfig настройки эталонного сервера
type ServerConfig struct {
	Addr                 string        `yaml:"addr"`
	DBPath               string        `yaml:"db_path"`
	JWTSecret            string        `yaml:"jwt_secret"`
	TokenTTL             time.Duration `yaml:"token_ttl"`             // 0 = бессрочные токены
	RateLimit            int           `yaml:"rate_limit"`            // запросов на устройство за rate_window, 0 = без ограничения
	RateWindow           time.Duration `yaml:"rate_window"`           // окно rate limit
	IdempotencyRetention time.Duration `yaml:"idempotency_retention"` // сколько помнить ключи идемпотентности
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// SyncConfig настройки движка синхронизации клиента
type SyncConfig struct {
	Collaborative      map[string][]string `yaml:"collaborative"` // тип сущности -> совместные поля
	Policy             string              `yaml:"policy"`        // keep_remote или manual
	AutoResolve        bool                `yaml:"auto_resolve"`  // применять решение политики без участия пользователя
	Workers            int                 `yaml:"workers"`
	BatchSize          int                 `yaml:"batch_size"`
	MaxAttempts        int                 `yaml:"max_attempts"`
	JitterPercent      int                 `yaml:"jitter_percent"`
	PullLimit          int                 `yaml:"pull_limit"`
	PushTimeout        time.Duration       `yaml:"push_timeout"`
	BackoffBase        time.Duration       `yaml:"backoff_base"`
	BackoffMax         time.Duration       `yaml:"backoff_max"`
	Interval           time.Duration       `yaml:"interval"`
	TombstoneRetention time.Duration       `yaml:"tombstone_retention"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := sync.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			DBPath:    "fieldsync-client.db",
		},
		Server: ServerConfig{
			Addr:                 ":8080",
			DBPath:               "fieldsync-server.db",
			TokenTTL:             30 * 24 * time.Hour,
			RateLimit:            600,
			RateWindow:           time.Minute,
			IdempotencyRetention: 7 * 24 * time.Hour,
			ShutdownTimeout:      10 * time.Second,
		},
		Sync: SyncConfig{
			Policy:             string(def.Policy),
			AutoResolve:        def.AutoResolve,
			Workers:            def.Workers,
			BatchSize:          def.BatchSize,
			MaxAttempts:        def.MaxAttempts,
			JitterPercent:      def.JitterPercent,
			PullLimit:          def.PullLimit,
			PushTimeout:        def.PushTimeout,
			BackoffBase:        def.BackoffBase,
			BackoffMax:         def.BackoffMax,
			Interval:           def.Interval,
			TombstoneRetention: def.TombstoneRetention,
		},
	}
}

// Load reads the file at path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode разбирает YAML поверх текущих значений, неизвестные ключи - ошибка
func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		dst *string
		key string
	}{
		{&c.Client.ServerURL, EnvServerURL},
		{&c.Client.DBPath, EnvDB},
		{&c.Client.Token, EnvToken},
		{&c.Server.JWTSecret, EnvJWTSecret},
		{&c.Server.DBPath, EnvServerDB},
		{&c.Server.Addr, EnvAddr},
		{&c.Log.Level, EnvLogLevel},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// Validate checks values that have no usable fallback.
// Server secrets are checked by ValidateServer, only the server needs them.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow <= 0 {
		return errors.New("server.rate_window must be positive when rate_limit is set")
	}

	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// ValidateServer checks the settings required to run the server.
func (c *Config) ValidateServer() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.DBPath == "" {
		return errors.New("server.db_path is required")
	}
	if len(c.Server.JWTSecret) < 16 {
		return fmt.Errorf("server.jwt_secret must be at least 16 bytes (set %s)", EnvJWTSecret)
	}
	return nil
}

// EngineConfig maps the sync section onto the engine configuration.
func (c *Config) EngineConfig() sync.Config {
	return sync.Config{
		Collaborative:      c.Sync.Collaborative,
		Policy:             sync.ConflictPolicy(c.Sync.Policy),
		AutoResolve:        c.Sync.AutoResolve,
		Workers:            c.Sync.Workers,
		BatchSize:          c.Sync.BatchSize,
		MaxAttempts:        c.Sync.MaxAttempts,
		JitterPercent:      c.Sync.JitterPercent,
		PullLimit:          c.Sync.PullLimit,
		PushTimeout:        c.Sync.PushTimeout,
		BackoffBase:        c.Sync.BackoffBase,
		BackoffMax:         c.Sync.BackoffMax,
		Interval:           c.Sync.Interval,
		TombstoneRetention: c.Sync.TombstoneRetention,
	}
}

// ParseLevel converts a level name to slog.Level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// NewLogger builds the logger described by the log section
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
