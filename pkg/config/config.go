// Package config loads the framework configuration from defaults, an
// optional aegis.yaml, and AEGIS_-prefixed environment variables, in
// that precedence order.
package config

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/types"
)

// FailoverMode selects a FailoverPolicy preset. Aggressive trades broker
// traffic for fast takeover, conservative the reverse.
type FailoverMode string

const (
	FailoverAggressive   FailoverMode = "aggressive"
	FailoverBalanced     FailoverMode = "balanced"
	FailoverConservative FailoverMode = "conservative"
)

// Valid returns true for a known failover mode.
func (m FailoverMode) Valid() bool {
	switch m {
	case FailoverAggressive, FailoverBalanced, FailoverConservative:
		return true
	}
	return false
}

// FailoverPolicy bundles the timing knobs that govern sticky-active
// leadership: how long the leader key lives, how often the holder renews it,
// how long standbys wait before contending for a vacancy, and how patient the
// renewal loop is with a flaky broker.
type FailoverPolicy struct {
	// LeaderTTL is the lifetime of the leader key. A leader that stops
	// renewing loses the key after at most this long.
	LeaderTTL time.Duration `mapstructure:"leader_ttl" json:"leader_ttl"`

	// RenewInterval is the leader's renewal cadence. Must be comfortably
	// below LeaderTTL; the presets use TTL/3.
	RenewInterval time.Duration `mapstructure:"renew_interval" json:"renew_interval"`

	// ElectionDelayMin and ElectionDelayMax bound the jittered wait a
	// standby observes before contending after a vacancy. Jitter spreads
	// create-only races apart so most elections resolve on the first try.
	ElectionDelayMin time.Duration `mapstructure:"election_delay_min" json:"election_delay_min"`
	ElectionDelayMax time.Duration `mapstructure:"election_delay_max" json:"election_delay_max"`

	// MaxElectionTime bounds a single campaign. A campaign still
	// unresolved after this long transitions the coordinator to Failed.
	MaxElectionTime time.Duration `mapstructure:"max_election_time" json:"max_election_time"`

	// MaxFailures is the number of consecutive renewal transport failures
	// tolerated before the holder treats its leadership as lost.
	MaxFailures int `mapstructure:"max_failures" json:"max_failures"`
}

// PolicyForMode returns the preset policy for a mode. Unknown modes fall back
// to balanced.
func PolicyForMode(mode FailoverMode) FailoverPolicy {
	switch mode {
	case FailoverAggressive:
		return FailoverPolicy{
			LeaderTTL:        3 * time.Second,
			RenewInterval:    time.Second,
			ElectionDelayMin: 0,
			ElectionDelayMax: 500 * time.Millisecond,
			MaxElectionTime:  5 * time.Second,
			MaxFailures:      2,
		}
	case FailoverConservative:
		return FailoverPolicy{
			LeaderTTL:        10 * time.Second,
			RenewInterval:    10 * time.Second / 3,
			ElectionDelayMin: 2 * time.Second,
			ElectionDelayMax: 5 * time.Second,
			MaxElectionTime:  20 * time.Second,
			MaxFailures:      5,
		}
	default:
		return FailoverPolicy{
			LeaderTTL:        5 * time.Second,
			RenewInterval:    5 * time.Second / 3,
			ElectionDelayMin: 500 * time.Millisecond,
			ElectionDelayMax: 2 * time.Second,
			MaxElectionTime:  10 * time.Second,
			MaxFailures:      3,
		}
	}
}

// ElectionDelay draws a jittered delay from [ElectionDelayMin,
// ElectionDelayMax].
func (p FailoverPolicy) ElectionDelay() time.Duration {
	if p.ElectionDelayMax <= p.ElectionDelayMin {
		return p.ElectionDelayMin
	}
	span := p.ElectionDelayMax - p.ElectionDelayMin
	return p.ElectionDelayMin + time.Duration(rand.Int63n(int64(span)+1))
}

// Validate checks the policy invariants.
func (p FailoverPolicy) Validate() error {
	if p.LeaderTTL <= 0 {
		return fmt.Errorf("%w: leader_ttl must be positive, got %s", errdefs.ErrConfig, p.LeaderTTL)
	}
	if p.RenewInterval <= 0 || p.RenewInterval >= p.LeaderTTL {
		return fmt.Errorf("%w: renew_interval %s must be positive and below leader_ttl %s",
			errdefs.ErrConfig, p.RenewInterval, p.LeaderTTL)
	}
	if p.ElectionDelayMin < 0 || p.ElectionDelayMax < p.ElectionDelayMin {
		return fmt.Errorf("%w: election delay range [%s, %s] is invalid",
			errdefs.ErrConfig, p.ElectionDelayMin, p.ElectionDelayMax)
	}
	if p.MaxElectionTime <= 0 {
		return fmt.Errorf("%w: max_election_time must be positive, got %s", errdefs.ErrConfig, p.MaxElectionTime)
	}
	if p.MaxFailures < 1 {
		return fmt.Errorf("%w: max_failures must be at least 1, got %d", errdefs.ErrConfig, p.MaxFailures)
	}
	return nil
}

// Config is the runtime configuration for a service built on the framework.
// Durations are stored in seconds in files and env vars to keep the surface
// shell-friendly; accessors convert.
type Config struct {
	// BrokerURL is the broker connection target, e.g. nats://localhost:4222
	// or memory:// for the in-process broker.
	BrokerURL string `mapstructure:"broker_url" json:"broker_url"`

	// ServiceName identifies the service this process belongs to.
	ServiceName string `mapstructure:"service_name" json:"service_name"`

	// InstanceID identifies this process within the service. Defaults to a
	// random UUIDv4 when left empty.
	InstanceID string `mapstructure:"instance_id" json:"instance_id"`

	// Group is the sticky-active group within the service. Empty means the
	// service does not participate in leader election.
	Group string `mapstructure:"group" json:"group"`

	RegistryTTLSeconds              int `mapstructure:"registry_ttl_seconds" json:"registry_ttl_seconds"`
	HeartbeatIntervalSeconds        int `mapstructure:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds"`
	LeaderTTLSeconds                int `mapstructure:"leader_ttl_seconds" json:"leader_ttl_seconds"`
	LeaderHeartbeatIntervalSeconds  int `mapstructure:"leader_heartbeat_interval_seconds" json:"leader_heartbeat_interval_seconds"`
	ElectionDelaySeconds            int `mapstructure:"election_delay_seconds" json:"election_delay_seconds"`
	DrainTimeoutSeconds             int `mapstructure:"drain_timeout_seconds" json:"drain_timeout_seconds"`

	// FailoverMode selects a FailoverPolicy preset. When the explicit
	// leader_* keys are set they override the preset's corresponding
	// fields.
	FailoverMode FailoverMode `mapstructure:"failover_mode" json:"failover_mode"`

	// Serialization selects the payload codec, msgpack or json.
	Serialization string `mapstructure:"serialization" json:"serialization"`

	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
}

// LoggingConfig mirrors pkg/log.Config for file-driven setup.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	JSONOutput bool   `mapstructure:"json" json:"json"`
}

// RegistryTTL returns the registry entry TTL as a duration.
func (c *Config) RegistryTTL() time.Duration {
	return time.Duration(c.RegistryTTLSeconds) * time.Second
}

// HeartbeatInterval returns the registry heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// DrainTimeout returns the graceful stop budget.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Policy materializes the failover policy: the preset for FailoverMode with
// any explicitly-set leader_* keys layered on top.
func (c *Config) Policy() FailoverPolicy {
	p := PolicyForMode(c.FailoverMode)
	if c.LeaderTTLSeconds > 0 {
		p.LeaderTTL = time.Duration(c.LeaderTTLSeconds) * time.Second
		p.RenewInterval = p.LeaderTTL / 3
	}
	if c.LeaderHeartbeatIntervalSeconds > 0 {
		p.RenewInterval = time.Duration(c.LeaderHeartbeatIntervalSeconds) * time.Second
	}
	if c.ElectionDelaySeconds > 0 {
		p.ElectionDelayMin = 0
		p.ElectionDelayMax = time.Duration(c.ElectionDelaySeconds) * time.Second
	}
	return p
}

// Validate checks the configuration surface. All failures wrap
// errdefs.ErrConfig so binaries can map them to exit code 64.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("%w: broker_url is required", errdefs.ErrConfig)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("%w: service_name is required", errdefs.ErrConfig)
	}
	if err := types.ServiceName(c.ServiceName).Validate(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrConfig, err)
	}
	if err := types.InstanceID(c.InstanceID).Validate(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrConfig, err)
	}
	if c.RegistryTTLSeconds <= 0 {
		return fmt.Errorf("%w: registry_ttl_seconds must be positive, got %d",
			errdefs.ErrConfig, c.RegistryTTLSeconds)
	}
	if c.HeartbeatIntervalSeconds <= 0 || c.HeartbeatIntervalSeconds >= c.RegistryTTLSeconds {
		return fmt.Errorf("%w: heartbeat_interval_seconds %d must be positive and below registry_ttl_seconds %d",
			errdefs.ErrConfig, c.HeartbeatIntervalSeconds, c.RegistryTTLSeconds)
	}
	if c.DrainTimeoutSeconds < 0 {
		return fmt.Errorf("%w: drain_timeout_seconds must not be negative, got %d",
			errdefs.ErrConfig, c.DrainTimeoutSeconds)
	}
	if !c.FailoverMode.Valid() {
		return fmt.Errorf("%w: unknown failover_mode %q", errdefs.ErrConfig, c.FailoverMode)
	}
	if c.Serialization != codec.NameMsgpack && c.Serialization != codec.NameJSON {
		return fmt.Errorf("%w: serialization must be %q or %q, got %q",
			errdefs.ErrConfig, codec.NameMsgpack, codec.NameJSON, c.Serialization)
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	return nil
}

// Codec returns the codec selected by the Serialization key.
func (c *Config) Codec() codec.Codec {
	cc, err := codec.ForName(c.Serialization)
	if err != nil {
		return codec.Msgpack{}
	}
	return cc
}

// Loader wraps viper with the framework's defaults and env binding.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a Loader with envPrefix applied to environment lookups,
// e.g. prefix AEGIS maps broker_url to AEGIS_BROKER_URL.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults installs the framework defaults.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("instance_id", types.NewRandomInstanceID().String())
	l.v.SetDefault("group", "")
	l.v.SetDefault("registry_ttl_seconds", 30)
	l.v.SetDefault("heartbeat_interval_seconds", 10)
	l.v.SetDefault("leader_ttl_seconds", 0)
	l.v.SetDefault("leader_heartbeat_interval_seconds", 0)
	l.v.SetDefault("election_delay_seconds", 0)
	l.v.SetDefault("failover_mode", string(FailoverBalanced))
	l.v.SetDefault("drain_timeout_seconds", 5)
	l.v.SetDefault("serialization", codec.NameMsgpack)
	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.json", true)
}

// Load reads configuration into target. Precedence, highest first:
// environment variables, the config file, defaults. If cfgFile is empty the
// loader searches for aegis.yaml in the working directory and /etc/aegis.
func (l *Loader) Load(cfgFile string, target *Config) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("aegis")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/aegis")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("%w: reading %s: %v", errdefs.ErrConfig, cfgFile, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("%w: reading config: %v", errdefs.ErrConfig, err)
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("%w: decoding config: %v", errdefs.ErrConfig, err)
	}
	return nil
}

// Load is the convenience entry point: defaults, optional aegis.yaml, AEGIS_
// environment overrides, then validation.
func Load(cfgFile string) (*Config, error) {
	loader := NewLoader("AEGIS")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
