// Package config loads the control plane's TOML configuration and applies
// STUDIO_OS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/monsoonfire/studio-os/internal/auth"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/signature"
	"github.com/monsoonfire/studio-os/internal/state"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	LogLevel       string `toml:"log_level" validate:"oneof=debug info warn error"`
	HTTPAddr       string `toml:"http_addr" validate:"required"`
	GRPCAddr       string `toml:"grpc_addr"` // empty disables the gRPC health endpoint
	SourceIdentity string `toml:"source_identity" validate:"required"`

	Schedule   ScheduleConfig     `toml:"schedule"`
	Drift      DriftConfig        `toml:"drift"`
	Breaker    BreakerConfig      `toml:"breaker"`
	Storage    StorageConfig      `toml:"storage"`
	ClickHouse ClickHouseConfig   `toml:"clickhouse"`
	Studio     StudioConfig       `toml:"studio"`
	Auth       AuthConfig         `toml:"auth"`
	Connectors []ConnectorConfig  `toml:"connectors" validate:"dive"`
	Anchors    []AnchorConfig     `toml:"trust_anchors" validate:"dive"`
	Manifests  []string           `toml:"manifests" validate:"dive,required"`
	Tokens     []StaffTokenConfig `toml:"staff_tokens" validate:"dive"`
}

type ScheduleConfig struct {
	Interval            Duration `toml:"interval"`
	PassTimeout         Duration `toml:"pass_timeout"`
	SourceTimeout       Duration `toml:"source_timeout"`
	ScanLimit           int      `toml:"scan_limit" validate:"gte=1"`
	DedupeWindowMinutes int      `toml:"dedupe_window_minutes" validate:"gte=1"`
	RecentEvents        int      `toml:"recent_events" validate:"gte=1"`
}

type DriftConfig struct {
	Absolute float64 `toml:"absolute" validate:"gte=0"`
	Ratio    float64 `toml:"ratio" validate:"gte=0"`
}

type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold" validate:"gte=1"`
	BaseBackoff      Duration `toml:"base_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
	Multiplier       float64  `toml:"multiplier" validate:"gte=1"`
}

type StorageConfig struct {
	Driver string `toml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `toml:"dsn" validate:"required"`
}

// ClickHouseConfig enables the audit mirror and analytics when DSN is set.
type ClickHouseConfig struct {
	DSN string `toml:"dsn"`
}

// StudioConfig points at the authoritative studio database read by the
// SQL state source. Empty DSN disables that source.
type StudioConfig struct {
	DSN string `toml:"dsn"`
}

type AuthConfig struct {
	CacheTTL Duration `toml:"cache_ttl"`
}

type ConnectorConfig struct {
	ID        string            `toml:"id" validate:"required"`
	Target    string            `toml:"target" validate:"oneof=local cloud"`
	Version   string            `toml:"version"`
	ReadOnly  bool              `toml:"read_only"`
	Transport string            `toml:"transport" validate:"oneof=http grpc"`
	Endpoint  string            `toml:"endpoint" validate:"required"`
	Service   string            `toml:"service" validate:"required_if=Transport grpc"`
	Timeout   Duration          `toml:"timeout"`
	Headers   map[string]string `toml:"headers"`
	// StateSource registers the connector as a state source. It must be
	// read-only.
	StateSource bool `toml:"state_source"`
}

type AnchorConfig struct {
	KeyID     string `toml:"key_id" validate:"required"`
	Algorithm string `toml:"algorithm" validate:"oneof=hmac-sha256 ed25519"`
	Material  string `toml:"material" validate:"required,base64"`
}

type StaffTokenConfig struct {
	StaffUID string `toml:"staff_uid" validate:"required"`
	Hash     string `toml:"hash" validate:"required,startswith=$2"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	br := connector.DefaultBreakerConfig()
	th := state.DefaultThresholds()
	return Config{
		LogLevel:       "info",
		HTTPAddr:       ":8080",
		SourceIdentity: "studio-os",
		Schedule: ScheduleConfig{
			Interval:            Duration{15 * time.Minute},
			PassTimeout:         Duration{2 * time.Minute},
			SourceTimeout:       Duration{state.DefaultSourceTimeout},
			ScanLimit:           5000,
			DedupeWindowMinutes: 360,
			RecentEvents:        500,
		},
		Drift: DriftConfig{Absolute: th.Absolute, Ratio: th.Ratio},
		Breaker: BreakerConfig{
			FailureThreshold: br.FailureThreshold,
			BaseBackoff:      Duration{br.BaseBackoff},
			MaxBackoff:       Duration{br.MaxBackoff},
			Multiplier:       br.Multiplier,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:studio-os.db?_pragma=busy_timeout(5000)"},
		Auth:    AuthConfig{CacheTTL: Duration{30 * time.Second}},
	}
}

var validate = validator.New()

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("load config: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Schedule.Interval.Duration <= 0 {
		errs = append(errs, errors.New("schedule.interval must be positive"))
	}
	if c.Breaker.BaseBackoff.Duration <= 0 || c.Breaker.MaxBackoff.Duration < c.Breaker.BaseBackoff.Duration {
		errs = append(errs, errors.New("breaker backoff must satisfy 0 < base_backoff <= max_backoff"))
	}
	seen := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		if seen[cc.ID] {
			errs = append(errs, fmt.Errorf("connector %s: duplicate id", cc.ID))
		}
		seen[cc.ID] = true
		if cc.StateSource && !cc.ReadOnly {
			errs = append(errs, fmt.Errorf("connector %s: state_source requires read_only", cc.ID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) Thresholds() state.Thresholds {
	return state.Thresholds{Absolute: c.Drift.Absolute, Ratio: c.Drift.Ratio}
}

func (c *Config) BreakerConfig() connector.BreakerConfig {
	return connector.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		BaseBackoff:      c.Breaker.BaseBackoff.Duration,
		MaxBackoff:       c.Breaker.MaxBackoff.Duration,
		Multiplier:       c.Breaker.Multiplier,
	}
}

func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.Schedule.DedupeWindowMinutes) * time.Minute
}

// TrustAnchors decodes the configured key material.
func (c *Config) TrustAnchors() (signature.Anchors, error) {
	list := make([]signature.Anchor, 0, len(c.Anchors))
	for _, a := range c.Anchors {
		anchor, err := signature.DecodeAnchor(a.KeyID, a.Algorithm, a.Material)
		if err != nil {
			return nil, fmt.Errorf("trust anchors: %w", err)
		}
		list = append(list, anchor)
	}
	return signature.NewAnchors(list...), nil
}

func (c *Config) StaticTokens() []auth.StaticToken {
	out := make([]auth.StaticToken, len(c.Tokens))
	for i, t := range c.Tokens {
		out[i] = auth.StaticToken{StaffUID: t.StaffUID, Hash: t.Hash}
	}
	return out
}
