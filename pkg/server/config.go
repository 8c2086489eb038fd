package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/crystal-mush/tworld/pkg/session"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TWORLD_LISTEN.
const EnvPrefix = "TWORLD_"

// Config holds server configuration. It is read from YAML and then
// overridden from the environment.
type Config struct {
	// --- Network ---
	Listen      string   `yaml:"listen" env:"LISTEN"`
	StaticDir   string   `yaml:"static_dir" env:"STATIC_DIR"`     // Client files served at /, empty = none
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"` // Empty = allow all
	RateLimit   int      `yaml:"rate_limit" env:"RATE_LIMIT"`     // Login attempts per minute per IP

	// --- Storage ---
	DBPath  string `yaml:"db" env:"DB"`
	FeedDB  string `yaml:"feed_db" env:"FEED_DB"`   // SQLite scrollback, empty = no history
	TextDir string `yaml:"text_dir" env:"TEXT_DIR"` // Help/motd text files, empty = built in

	// --- World ---
	StartWorld string `yaml:"start_world" env:"START_WORLD"`

	// --- Sessions ---
	AttachPolicy        string        `yaml:"attach_policy" env:"ATTACH_POLICY"` // supersede or reject
	Grace               time.Duration `yaml:"grace" env:"GRACE"`
	PrefsDelay          time.Duration `yaml:"prefs_delay" env:"PREFS_DELAY"`
	OutboxLimit         int           `yaml:"outbox_limit" env:"OUTBOX_LIMIT"`
	ScrollbackRetention time.Duration `yaml:"scrollback_retention" env:"SCROLLBACK_RETENTION"`
	InstanceIdle        time.Duration `yaml:"instance_idle" env:"INSTANCE_IDLE"`

	// --- Auth ---
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"` // Empty = random per process
	JWTExpiry time.Duration `yaml:"jwt_expiry" env:"JWT_EXPIRY"`

	TLS TLSConfig `yaml:"tls" envPrefix:"TLS_"`
	Log LogConfig `yaml:"log" envPrefix:"LOG_"`
}

// TLSConfig selects how HTTPS certificates are obtained. With Domain set,
// certificates come from Let's Encrypt; with Cert and Key set, from files;
// with SelfSigned, one is generated into CertDir.
type TLSConfig struct {
	Domain     string `yaml:"domain" env:"DOMAIN"`
	Email      string `yaml:"email" env:"EMAIL"`
	CertDir    string `yaml:"cert_dir" env:"CERT_DIR"`
	Cert       string `yaml:"cert" env:"CERT"`
	Key        string `yaml:"key" env:"KEY"`
	SelfSigned bool   `yaml:"self_signed" env:"SELF_SIGNED"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool {
	return t.Domain != "" || (t.Cert != "" && t.Key != "") || t.SelfSigned
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:              ":4000",
		RateLimit:           10,
		DBPath:              "data/tworld.db",
		FeedDB:              "data/feed.db",
		StartWorld:          "start",
		AttachPolicy:        session.Supersede.String(),
		Grace:               session.DefaultGrace,
		PrefsDelay:          session.DefaultPrefsDelay,
		OutboxLimit:         session.DefaultOutboxLimit,
		ScrollbackRetention: 24 * time.Hour,
		InstanceIdle:        DefaultInstanceIdle,
		JWTExpiry:           24 * time.Hour,
		TLS:                 TLSConfig{CertDir: "certs"},
		Log:                 LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path (if non-empty) over the defaults, then applies
// TWORLD_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.DBPath == "" {
		return errors.New("config: db path is required")
	}
	if _, err := session.ParseAttachPolicy(c.AttachPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Grace < 0 || c.PrefsDelay < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// Policy returns the parsed attach policy. Call Validate first.
func (c Config) Policy() session.AttachPolicy {
	p, _ := session.ParseAttachPolicy(c.AttachPolicy)
	return p
}
