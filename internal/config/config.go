package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/logging"
)

const (
	EnvBase      = "BIZSOCKET_BASE"
	EnvProjectID = "BIZSOCKET_PROJECT_ID"
	EnvToken     = "BIZSOCKET_TOKEN"
)

// Config is the resolved client and gateway configuration.
type Config struct {
	Base             string
	ProjectID        string
	Token            string
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ConnectTimeout   time.Duration
	Reconnect        ReconnectConfig
	RateLimit        RateLimitConfig
	Log              logging.Config
	Gateway          GatewayConfig
}

type ReconnectConfig struct {
	Enabled  bool
	Attempts int
	Delay    time.Duration
	DelayMax time.Duration
}

type RateLimitConfig struct {
	Enabled           bool
	MessagesPerSecond float64
	Burst             int
}

type GatewayConfig struct {
	Addr      string
	RedisAddr string
	Channel   string
	// Projects maps project id to its accepted token.
	Projects map[string]string
}

// fileConfig mirrors the on-disk layout. Durations are strings so the same
// struct decodes from TOML and YAML.
type fileConfig struct {
	Base             string         `toml:"base" yaml:"base"`
	ProjectID        string         `toml:"project_id" yaml:"project_id"`
	Token            string         `toml:"token" yaml:"token"`
	HandshakeTimeout string         `toml:"handshake_timeout" yaml:"handshake_timeout"`
	SubscribeTimeout string         `toml:"subscribe_timeout" yaml:"subscribe_timeout"`
	ConnectTimeout   string         `toml:"connect_timeout" yaml:"connect_timeout"`
	Reconnect        fileReconnect  `toml:"reconnect" yaml:"reconnect"`
	RateLimit        fileRateLimit  `toml:"rate_limit" yaml:"rate_limit"`
	Log              logging.Config `toml:"log" yaml:"log"`
	Gateway          fileGateway    `toml:"gateway" yaml:"gateway"`
}

type fileReconnect struct {
	Enabled  *bool  `toml:"enabled" yaml:"enabled"`
	Attempts int    `toml:"attempts" yaml:"attempts"`
	Delay    string `toml:"delay" yaml:"delay"`
	DelayMax string `toml:"delay_max" yaml:"delay_max"`
}

type fileRateLimit struct {
	Enabled           *bool   `toml:"enabled" yaml:"enabled"`
	MessagesPerSecond float64 `toml:"messages_per_second" yaml:"messages_per_second"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

type fileGateway struct {
	Addr      string            `toml:"addr" yaml:"addr"`
	RedisAddr string            `toml:"redis_addr" yaml:"redis_addr"`
	Channel   string            `toml:"channel" yaml:"channel"`
	Projects  map[string]string `toml:"projects" yaml:"projects"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		ConnectTimeout:   20 * time.Second,
		Reconnect: ReconnectConfig{
			Enabled:  true,
			Attempts: 0,
			Delay:    1 * time.Second,
			DelayMax: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			MessagesPerSecond: 100,
			Burst:             200,
		},
		Log: logging.Config{Level: "info"},
		Gateway: GatewayConfig{
			Addr:     ":8080",
			Channel:  "bizsocket:events",
			Projects: map[string]string{},
		},
	}
}

// Load reads a .toml, .yaml or .yml file, applies defaults and environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		if err := decodeFile(path, &raw); err != nil {
			return Config{}, err
		}
		if err := merge(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func decodeFile(path string, out *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	return nil
}

func merge(cfg *Config, raw fileConfig) error {
	setString(&cfg.Base, raw.Base)
	setString(&cfg.ProjectID, raw.ProjectID)
	setString(&cfg.Token, raw.Token)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"subscribe_timeout", raw.SubscribeTimeout, &cfg.SubscribeTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"reconnect.delay", raw.Reconnect.Delay, &cfg.Reconnect.Delay},
		{"reconnect.delay_max", raw.Reconnect.DelayMax, &cfg.Reconnect.DelayMax},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if raw.Reconnect.Enabled != nil {
		cfg.Reconnect.Enabled = *raw.Reconnect.Enabled
	}
	if raw.Reconnect.Attempts != 0 {
		cfg.Reconnect.Attempts = raw.Reconnect.Attempts
	}

	if raw.RateLimit.Enabled != nil {
		cfg.RateLimit.Enabled = *raw.RateLimit.Enabled
	}
	if raw.RateLimit.MessagesPerSecond != 0 {
		cfg.RateLimit.MessagesPerSecond = raw.RateLimit.MessagesPerSecond
	}
	if raw.RateLimit.Burst != 0 {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}

	if raw.Log.Level != "" {
		cfg.Log.Level = raw.Log.Level
	}
	cfg.Log.NoColor = raw.Log.NoColor
	cfg.Log.JSON = raw.Log.JSON

	setString(&cfg.Gateway.Addr, raw.Gateway.Addr)
	setString(&cfg.Gateway.RedisAddr, raw.Gateway.RedisAddr)
	setString(&cfg.Gateway.Channel, raw.Gateway.Channel)
	for project, token := range raw.Gateway.Projects {
		cfg.Gateway.Projects[project] = token
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Base, os.Getenv(EnvBase))
	setString(&cfg.ProjectID, os.Getenv(EnvProjectID))
	setString(&cfg.Token, os.Getenv(EnvToken))
}

// ValidateClient checks the fields a client session needs.
func (c Config) ValidateClient() error {
	if strings.TrimSpace(c.Base) == "" {
		return fmt.Errorf("config missing base")
	}
	u, err := url.Parse(c.Base)
	if err != nil {
		return fmt.Errorf("config base invalid: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("config base has unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return fmt.Errorf("config missing project_id")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("config missing token")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config handshake_timeout must be positive")
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("config reconnect.attempts must not be negative")
	}
	if c.Reconnect.DelayMax > 0 && c.Reconnect.Delay > c.Reconnect.DelayMax {
		return fmt.Errorf("config reconnect.delay exceeds reconnect.delay_max")
	}
	return nil
}

// ValidateGateway checks the fields the reference gateway needs.
func (c Config) ValidateGateway() error {
	if strings.TrimSpace(c.Gateway.Addr) == "" {
		return fmt.Errorf("config missing gateway.addr")
	}
	if len(c.Gateway.Projects) == 0 {
		return fmt.Errorf("config gateway.projects must list at least one project")
	}
	if c.Gateway.RedisAddr != "" && strings.TrimSpace(c.Gateway.Channel) == "" {
		return fmt.Errorf("config gateway.channel required with gateway.redis_addr")
	}
	return nil
}

// RateLimitOptions returns the inbound throttle, or nil when disabled.
func (c Config) RateLimitOptions() *bizsocket.RateLimitConfig {
	if !c.RateLimit.Enabled {
		return nil
	}
	return &bizsocket.RateLimitConfig{
		MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
		Burst:             c.RateLimit.Burst,
		Enabled:           true,
	}
}

// TransportOptions maps the reconnect and rate limit sections onto the
// transport options of a client session.
func (c Config) TransportOptions() bizsocket.TransportOptions {
	opts := bizsocket.DefaultTransportOptions()
	opts.Reconnection = c.Reconnect.Enabled
	opts.ReconnectionAttempts = c.Reconnect.Attempts
	if c.Reconnect.Delay > 0 {
		opts.ReconnectionDelay = c.Reconnect.Delay
	}
	if c.Reconnect.DelayMax > 0 {
		opts.ReconnectionDelayMax = c.Reconnect.DelayMax
	}
	if c.ConnectTimeout > 0 {
		opts.ConnectTimeout = c.ConnectTimeout
	}
	opts.RateLimit = c.RateLimitOptions()
	return opts
}
