// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP/websocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener. The PORT environment variable overrides it.
	Port int `mapstructure:"port"`
	// ReadHeaderTimeout bounds the time allowed to read request headers.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SpawnConfig is the pose assigned to a session before its first update.
type SpawnConfig struct {
	X   float64 `mapstructure:"x"`
	Y   float64 `mapstructure:"y"`
	Z   float64 `mapstructure:"z"`
	Yaw float64 `mapstructure:"yaw"`
}

// RelayConfig holds room, session and broadcast settings.
type RelayConfig struct {
	// TickInterval is the broadcast scheduler period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxRoomLen is the maximum room identifier length in runes.
	MaxRoomLen int `mapstructure:"max_room_len"`
	// MaxNameLen is the maximum display name length in runes.
	MaxNameLen int `mapstructure:"max_name_len"`
	// DefaultName replaces names that are empty after sanitization.
	DefaultName string `mapstructure:"default_name"`
	// OutboxSize is the number of frames buffered per session before sends are dropped.
	OutboxSize int `mapstructure:"outbox_size"`
	// Spawn is the initial pose of every session.
	Spawn SpawnConfig `mapstructure:"spawn"`
}

// WebsocketConfig holds websocket transport settings.
type WebsocketConfig struct {
	// Path is the HTTP route that upgrades to a websocket.
	Path string `mapstructure:"path"`
	// ReadLimit is the maximum inbound message size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongWait is how long the peer may stay silent before the connection is dropped.
	PongWait time.Duration `mapstructure:"pong_wait"`
}

// PingPeriod returns the interval between server pings.
func (w WebsocketConfig) PingPeriod() time.Duration {
	return (w.PongWait * 9) / 10
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWebsocket(c.Websocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ReadHeaderTimeout < 0 {
		errs = append(errs, "server.read_header_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("relay.tick_interval must be > 0, got %s", r.TickInterval))
	}
	if r.MaxRoomLen < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_room_len must be >= 1, got %d", r.MaxRoomLen))
	}
	if r.MaxNameLen < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_name_len must be >= 1, got %d", r.MaxNameLen))
	}
	if strings.TrimSpace(r.DefaultName) == "" {
		errs = append(errs, "relay.default_name must not be empty")
	}
	if r.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("relay.outbox_size must be >= 1, got %d", r.OutboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebsocket(w WebsocketConfig) error {
	var errs []string
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("websocket.read_limit must be >= 1, got %d", w.ReadLimit))
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at path,
// and environment variable overrides, then validates the result.
//
// An empty path skips the file. PORT overrides server.port; every other key
// may be overridden with a RELAY_ prefixed variable (RELAY_RELAY_TICK_INTERVAL).
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "PORT", "RELAY_SERVER_PORT"); err != nil {
		return Config{}, fmt.Errorf("binding PORT: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by Load with no file and no environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")

	v.SetDefault("relay.tick_interval", "100ms")
	v.SetDefault("relay.max_room_len", 12)
	v.SetDefault("relay.max_name_len", 16)
	v.SetDefault("relay.default_name", "Player")
	v.SetDefault("relay.outbox_size", 64)
	v.SetDefault("relay.spawn.x", 18.0)
	v.SetDefault("relay.spawn.y", 0.0)
	v.SetDefault("relay.spawn.z", 18.0)
	v.SetDefault("relay.spawn.yaw", 0.0)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_limit", 4096)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.pong_wait", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
