// Package config centralises runtime configuration for the Driftwire gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftwire/driftwire/internal/telemetry"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProduction marks the production environment.
	EnvProduction Environment = "production"
)

// StoreSettings configures the shared store connection.
type StoreSettings struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// RateLimitSettings configures the sliding-window limiter scopes.
type RateLimitSettings struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"maxRequests"`
	TopicLimit  int           `yaml:"topicLimit"`
	GlobalLimit int           `yaml:"globalLimit"`
	InputPerMin int           `yaml:"inputPerMin"`
}

// Settings contains the gateway configuration tree loaded from defaults,
// an optional YAML file, and environment overrides.
type Settings struct {
	Environment            Environment       `yaml:"environment"`
	Prefix                 string            `yaml:"prefix"`
	Store                  StoreSettings     `yaml:"store"`
	MaxTopicBufferSize     int               `yaml:"maxTopicBufferSize"`
	MaxSubscriberQueueSize int               `yaml:"maxSubscriberQueueSize"`
	SlowClientThreshold    time.Duration     `yaml:"slowClientThreshold"`
	DurabilityEnabled      bool              `yaml:"durabilityEnabled"`
	MaxPayloadBytes        int               `yaml:"maxPayloadBytes"`
	AllowAuthDisabled      bool              `yaml:"allowAuthDisabled"`
	RateLimit              RateLimitSettings `yaml:"rateLimit"`
	Telemetry              telemetry.Config  `yaml:"telemetry"`
}

// Default returns the default gateway configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProduction,
		Prefix:      "rt",
		Store: StoreSettings{
			Addr:           "localhost:6379",
			Password:       "",
			DB:             0,
			CommandTimeout: 2 * time.Second,
		},
		MaxTopicBufferSize:     1000,
		MaxSubscriberQueueSize: 100,
		SlowClientThreshold:    5 * time.Second,
		DurabilityEnabled:      false,
		MaxPayloadBytes:        65536,
		AllowAuthDisabled:      false,
		RateLimit: RateLimitSettings{
			Window:      60 * time.Second,
			MaxRequests: 100,
			TopicLimit:  1000,
			GlobalLimit: 10000,
			InputPerMin: 50,
		},
		Telemetry: telemetry.Config{
			OTLPEndpoint:   "",
			ServiceName:    "driftwire-gateway",
			ExportInterval: 0,
		},
	}
}

// LoadOrDefault reads Settings from the YAML file at path, falling back to
// defaults when the file does not exist. Environment overrides apply last.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case errors.Is(err, os.ErrNotExist):
			// fall back to defaults
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg = fromEnv(cfg)
	return cfg, loaded, nil
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return fromEnv(Default())
}

func fromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_PREFIX")); v != "" {
		cfg.Prefix = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_STORE_ADDR")); v != "" {
		cfg.Store.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_STORE_PASSWORD")); v != "" {
		cfg.Store.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_STORE_DB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_STORE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Store.CommandTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_DURABILITY")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DurabilityEnabled = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_ALLOW_AUTH_DISABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAuthDisabled = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTWIRE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Validate rejects configurations that must never reach a running process.
// allowAuthDisabled in production is a startup failure, not a warning.
func (s Settings) Validate() error {
	if s.Prefix == "" {
		return fmt.Errorf("config: prefix must not be empty")
	}
	if s.Environment == EnvProduction && s.AllowAuthDisabled {
		return fmt.Errorf("config: allowAuthDisabled is not permitted in production")
	}
	if s.MaxTopicBufferSize <= 0 {
		return fmt.Errorf("config: maxTopicBufferSize must be > 0")
	}
	if s.MaxSubscriberQueueSize <= 0 {
		return fmt.Errorf("config: maxSubscriberQueueSize must be > 0")
	}
	if s.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: maxPayloadBytes must be > 0")
	}
	if s.RateLimit.Window <= 0 || s.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("config: rateLimit window and maxRequests must be > 0")
	}
	return nil
}

// Production reports whether the settings target the production environment.
func (s Settings) Production() bool {
	return s.Environment == EnvProduction
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithPrefix overrides the store key namespace.
func WithPrefix(prefix string) Option {
	prefix = strings.TrimSpace(prefix)
	return func(s *Settings) {
		if prefix != "" {
			s.Prefix = prefix
		}
	}
}

// WithStoreAddr overrides the shared store address.
func WithStoreAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Store.Addr = addr
		}
	}
}

// WithDurability toggles the fromSeq replay path.
func WithDurability(enabled bool) Option {
	return func(s *Settings) {
		s.DurabilityEnabled = enabled
	}
}

// WithQueueCap overrides the per-subscriber queue cap.
func WithQueueCap(cap int) Option {
	return func(s *Settings) {
		if cap > 0 {
			s.MaxSubscriberQueueSize = cap
		}
	}
}
