// Package config loads the kephasgate command configuration from YAML or
// TOML files, with environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Environment overrides.
const (
	EnvToken = "KEPHASGATE_TOKEN"
	EnvURL   = "KEPHASGATE_URL"
)

// Config is the command configuration file.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Ops     OpsConfig     `yaml:"ops" toml:"ops"`
}

// GatewayConfig describes the connection.
type GatewayConfig struct {
	URL            string          `yaml:"url" toml:"url"`
	Token          string          `yaml:"token" toml:"token"`
	Intents        []string        `yaml:"intents" toml:"intents"`
	LargeThreshold int             `yaml:"large_threshold" toml:"large_threshold"`
	Compress       bool            `yaml:"compress" toml:"compress"`
	Shard          *ShardConfig    `yaml:"shard" toml:"shard"`
	Presence       *PresenceConfig `yaml:"presence" toml:"presence"`

	HandshakeTimeout Duration        `yaml:"handshake_timeout" toml:"handshake_timeout"`
	IdentifyInterval Duration        `yaml:"identify_interval" toml:"identify_interval"`
	EventBuffer      int             `yaml:"event_buffer" toml:"event_buffer"`
	Reconnect        ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
}

// ShardConfig selects one shard out of Count.
type ShardConfig struct {
	ID    int `yaml:"id" toml:"id"`
	Count int `yaml:"count" toml:"count"`
}

// PresenceConfig is the presence sent with Identify.
type PresenceConfig struct {
	Status   string `yaml:"status" toml:"status"`
	Activity string `yaml:"activity" toml:"activity"`
	AFK      bool   `yaml:"afk" toml:"afk"`
}

// ReconnectConfig is the automatic recovery policy.
type ReconnectConfig struct {
	Attempts  int      `yaml:"attempts" toml:"attempts"`
	BaseDelay Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay" toml:"max_delay"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// OpsConfig configures the metrics and health endpoint. An empty Addr
// disables it.
type OpsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Duration is a time.Duration written as "5s" or "1m30s" in config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Intents:          []string{"unprivileged"},
			LargeThreshold:   50,
			HandshakeTimeout: Duration(30 * time.Second),
			IdentifyInterval: Duration(5 * time.Second),
			EventBuffer:      64,
			Reconnect: ReconnectConfig{
				Attempts:  5,
				BaseDelay: Duration(time.Second),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := Decode(cfg, filepath.Ext(path), data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unmarshals data into cfg using the format implied by ext.
func Decode(cfg *Config, ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// ApplyEnv overrides the token and URL from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Gateway.Token = v
	}
	if v, ok := lookup(EnvURL); ok && v != "" {
		c.Gateway.URL = v
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	g := c.Gateway

	if g.URL == "" {
		errs = append(errs, fmt.Errorf("gateway.url is required (or set %s)", EnvURL))
	}
	if g.Token == "" {
		errs = append(errs, fmt.Errorf("gateway.token is required (or set %s)", EnvToken))
	}
	if _, err := protocol.ParseIntents(g.Intents); err != nil {
		errs = append(errs, fmt.Errorf("gateway.intents: %w", err))
	}
	if g.Shard != nil && (g.Shard.Count < 1 || g.Shard.ID < 0 || g.Shard.ID >= g.Shard.Count) {
		errs = append(errs, fmt.Errorf("gateway.shard: id %d out of range for count %d", g.Shard.ID, g.Shard.Count))
	}
	if g.LargeThreshold < 50 || g.LargeThreshold > 250 {
		errs = append(errs, fmt.Errorf("gateway.large_threshold must be between 50 and 250, got %d", g.LargeThreshold))
	}
	if g.Presence != nil && g.Presence.Status != "" && !validStatus(g.Presence.Status) {
		errs = append(errs, fmt.Errorf("gateway.presence.status: unknown status %q", g.Presence.Status))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParsedIntents returns the intents bitmask.
func (g GatewayConfig) ParsedIntents() protocol.Intents {
	intents, _ := protocol.ParseIntents(g.Intents)
	return intents
}

// ProtocolShard returns the shard identity, or nil.
func (g GatewayConfig) ProtocolShard() *protocol.Shard {
	if g.Shard == nil {
		return nil
	}
	return &protocol.Shard{ID: g.Shard.ID, Count: g.Shard.Count}
}

// ProtocolPresence returns the initial presence, or nil.
func (g GatewayConfig) ProtocolPresence() *protocol.Presence {
	if g.Presence == nil {
		return nil
	}
	p := &protocol.Presence{
		Status: protocol.Status(g.Presence.Status),
		AFK:    g.Presence.AFK,
	}
	if g.Presence.Activity != "" {
		p.Activities = []protocol.Activity{{Name: g.Presence.Activity, Type: protocol.ActivityPlaying}}
	}
	return p
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func validStatus(s string) bool {
	switch protocol.Status(s) {
	case protocol.StatusOnline, protocol.StatusIdle, protocol.StatusDND,
		protocol.StatusInvisible, protocol.StatusOffline:
		return true
	}
	return false
}
