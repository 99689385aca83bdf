// Package config provides the immutable connection engine configuration and
// the per-attempt Entrypoint, both produced by builders that validate once.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/yllada/openconnect-core/common"
)

// LogLevel selects the verbosity of the engine and of the tunnel process.
type LogLevel = common.LogLevel

// Log levels.
const (
	LevelDebug = common.LevelDebug
	LevelInfo  = common.LevelInfo
	LevelWarn  = common.LevelWarn
	LevelError = common.LevelError
)

// ParseLogLevel converts a case-insensitive level name to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, &ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", s)}
}

// TrustPolicy selects which certificate authorities verify the gateway.
type TrustPolicy int

const (
	// TrustSystem uses the platform roots, optionally auto-detected.
	TrustSystem TrustPolicy = iota
	// TrustExplicit uses only the configured CA files.
	TrustExplicit
	// TrustSystemAndExplicit uses the platform roots plus the CA files.
	TrustSystemAndExplicit
)

// String returns the configuration-file spelling of the policy.
func (p TrustPolicy) String() string {
	switch p {
	case TrustSystem:
		return "system"
	case TrustExplicit:
		return "explicit"
	case TrustSystemAndExplicit:
		return "system+explicit"
	default:
		return "unknown"
	}
}

// IncludesSystem reports whether platform roots are trusted.
func (p TrustPolicy) IncludesSystem() bool {
	return p == TrustSystem || p == TrustSystemAndExplicit
}

// IncludesExplicit reports whether configured CA files are trusted.
func (p TrustPolicy) IncludesExplicit() bool {
	return p == TrustExplicit || p == TrustSystemAndExplicit
}

// ParseTrustPolicy converts a policy name to a TrustPolicy.
func ParseTrustPolicy(s string) (TrustPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system", "":
		return TrustSystem, nil
	case "explicit":
		return TrustExplicit, nil
	case "system+explicit", "both":
		return TrustSystemAndExplicit, nil
	}
	return TrustSystem, &ConfigError{Field: "trust_policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

// ConfigError reports a configuration value that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", common.ErrInvalidConfig, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", common.ErrInvalidConfig, e.Field, e.Reason)
}

// Is matches common.ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == common.ErrInvalidConfig
}

// Config is the validated, immutable engine configuration.
// Obtain one from ConfigBuilder.Build or Default.
type Config struct {
	logLevel          LogLevel
	trustPolicy       TrustPolicy
	caFiles           []string
	autoDetectCAPaths bool

	connectTimeout    time.Duration
	handshakeTimeout  time.Duration
	authTimeout       time.Duration
	disconnectTimeout time.Duration
	pollInterval      time.Duration
	statsInterval     time.Duration

	healthCheckInterval    time.Duration
	healthFailureThreshold int
	healthTestHosts        []string

	maxAuthRetries int

	openConnectPath string
	scriptPath      string
	interfaceName   string
	provisionTun    bool
	mtu             int
	userAgent       string
	deviceID        string
	extraArgs       []string
}

func defaultConfig() Config {
	return Config{
		logLevel:               LevelInfo,
		trustPolicy:            TrustSystem,
		autoDetectCAPaths:      true,
		connectTimeout:         common.ConnectionTimeout,
		handshakeTimeout:       common.HandshakeTimeout,
		authTimeout:            common.AuthTimeout,
		disconnectTimeout:      common.DisconnectTimeout,
		pollInterval:           common.PollInterval,
		statsInterval:          common.StatsInterval,
		healthFailureThreshold: common.HealthFailureThreshold,
		maxAuthRetries:         common.MaxAuthRetries,
		openConnectPath:        common.OpenConnectBinary,
		userAgent:              common.DefaultUserAgent,
		deviceID:               common.DefaultDeviceID,
	}
}

// Default returns the default configuration.
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

func (c *Config) LogLevel() LogLevel                 { return c.logLevel }
func (c *Config) TrustPolicy() TrustPolicy           { return c.trustPolicy }
func (c *Config) CAFiles() []string                  { return append([]string(nil), c.caFiles...) }
func (c *Config) AutoDetectCAPaths() bool            { return c.autoDetectCAPaths }
func (c *Config) ConnectTimeout() time.Duration      { return c.connectTimeout }
func (c *Config) HandshakeTimeout() time.Duration    { return c.handshakeTimeout }
func (c *Config) AuthTimeout() time.Duration         { return c.authTimeout }
func (c *Config) DisconnectTimeout() time.Duration   { return c.disconnectTimeout }
func (c *Config) PollInterval() time.Duration        { return c.pollInterval }
func (c *Config) StatsInterval() time.Duration       { return c.statsInterval }
func (c *Config) HealthCheckInterval() time.Duration { return c.healthCheckInterval }
func (c *Config) HealthFailureThreshold() int        { return c.healthFailureThreshold }
func (c *Config) HealthTestHosts() []string          { return append([]string(nil), c.healthTestHosts...) }
func (c *Config) MaxAuthRetries() int                { return c.maxAuthRetries }
func (c *Config) OpenConnectPath() string            { return c.openConnectPath }
func (c *Config) ScriptPath() string                 { return c.scriptPath }
func (c *Config) InterfaceName() string              { return c.interfaceName }
func (c *Config) ProvisionTun() bool                 { return c.provisionTun }
func (c *Config) MTU() int                           { return c.mtu }
func (c *Config) UserAgent() string                  { return c.userAgent }
func (c *Config) DeviceID() string                   { return c.deviceID }
func (c *Config) ExtraArgs() []string                { return append([]string(nil), c.extraArgs...) }

// ConfigBuilder accumulates settings field by field. Nothing is checked
// until Build. Use NewConfigBuilder to start from the defaults.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder returns a builder seeded with the default configuration.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: defaultConfig()}
}

func (b *ConfigBuilder) LogLevel(level LogLevel) *ConfigBuilder {
	b.cfg.logLevel = level
	return b
}

func (b *ConfigBuilder) TrustPolicy(policy TrustPolicy) *ConfigBuilder {
	b.cfg.trustPolicy = policy
	return b
}

// CAFile appends a PEM bundle to the explicit trust material.
func (b *ConfigBuilder) CAFile(path string) *ConfigBuilder {
	b.cfg.caFiles = append(b.cfg.caFiles, path)
	return b
}

// AutoDetectCAPaths toggles probing of well-known system bundle locations.
func (b *ConfigBuilder) AutoDetectCAPaths(enabled bool) *ConfigBuilder {
	b.cfg.autoDetectCAPaths = enabled
	return b
}

func (b *ConfigBuilder) ConnectTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.connectTimeout = d
	return b
}

func (b *ConfigBuilder) HandshakeTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.handshakeTimeout = d
	return b
}

func (b *ConfigBuilder) AuthTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.authTimeout = d
	return b
}

func (b *ConfigBuilder) DisconnectTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.disconnectTimeout = d
	return b
}

// PollInterval bounds how long the run loop blocks before observing a
// cancellation request.
func (b *ConfigBuilder) PollInterval(d time.Duration) *ConfigBuilder {
	b.cfg.pollInterval = d
	return b
}

// StatsInterval sets how often traffic statistics are published; zero
// disables statistics events.
func (b *ConfigBuilder) StatsInterval(d time.Duration) *ConfigBuilder {
	b.cfg.statsInterval = d
	return b
}

// HealthCheck enables tunnel health probing. A zero interval disables it.
func (b *ConfigBuilder) HealthCheck(interval time.Duration, failureThreshold int, hosts ...string) *ConfigBuilder {
	b.cfg.healthCheckInterval = interval
	b.cfg.healthFailureThreshold = failureThreshold
	b.cfg.healthTestHosts = append([]string(nil), hosts...)
	return b
}

func (b *ConfigBuilder) MaxAuthRetries(n int) *ConfigBuilder {
	b.cfg.maxAuthRetries = n
	return b
}

func (b *ConfigBuilder) OpenConnectPath(path string) *ConfigBuilder {
	b.cfg.openConnectPath = path
	return b
}

// ScriptPath sets the vpnc-script used by the tunnel process to configure
// routes and DNS.
func (b *ConfigBuilder) ScriptPath(path string) *ConfigBuilder {
	b.cfg.scriptPath = path
	return b
}

func (b *ConfigBuilder) InterfaceName(name string) *ConfigBuilder {
	b.cfg.interfaceName = name
	return b
}

// ProvisionTun pre-creates a persistent TUN device named InterfaceName
// before the tunnel starts and removes it afterwards.
func (b *ConfigBuilder) ProvisionTun(enabled bool) *ConfigBuilder {
	b.cfg.provisionTun = enabled
	return b
}

func (b *ConfigBuilder) MTU(mtu int) *ConfigBuilder {
	b.cfg.mtu = mtu
	return b
}

func (b *ConfigBuilder) UserAgent(ua string) *ConfigBuilder {
	b.cfg.userAgent = ua
	return b
}

func (b *ConfigBuilder) DeviceID(id string) *ConfigBuilder {
	b.cfg.deviceID = id
	return b
}

// ExtraArgs appends raw arguments for the tunnel process.
func (b *ConfigBuilder) ExtraArgs(args ...string) *ConfigBuilder {
	b.cfg.extraArgs = append(b.cfg.extraArgs, args...)
	return b
}

// Build validates the accumulated settings and returns an immutable Config.
func (b *ConfigBuilder) Build() (*Config, error) {
	cfg := b.cfg
	cfg.caFiles = append([]string(nil), b.cfg.caFiles...)
	cfg.healthTestHosts = append([]string(nil), b.cfg.healthTestHosts...)
	cfg.extraArgs = append([]string(nil), b.cfg.extraArgs...)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate verifies that configuration values are usable.
func (c *Config) validate() error {
	if !c.logLevel.Valid() {
		return &ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %d", int(c.logLevel))}
	}
	if c.trustPolicy < TrustSystem || c.trustPolicy > TrustSystemAndExplicit {
		return &ConfigError{Field: "trust_policy", Reason: fmt.Sprintf("unknown policy %d", int(c.trustPolicy))}
	}
	if c.trustPolicy == TrustExplicit && len(c.caFiles) == 0 {
		return &ConfigError{Field: "ca_files", Reason: "explicit trust policy requires at least one CA file"}
	}
	for _, path := range c.caFiles {
		if !common.FileExists(path) {
			return &ConfigError{Field: "ca_files", Reason: fmt.Sprintf("%s does not exist", path)}
		}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"connect_timeout", c.connectTimeout},
		{"handshake_timeout", c.handshakeTimeout},
		{"auth_timeout", c.authTimeout},
		{"disconnect_timeout", c.disconnectTimeout},
		{"stats_interval", c.statsInterval},
		{"health_check_interval", c.healthCheckInterval},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ConfigError{Field: d.field, Reason: "must not be negative"}
		}
	}
	if c.pollInterval <= 0 {
		return &ConfigError{Field: "poll_interval", Reason: "must be positive"}
	}
	if c.healthCheckInterval > 0 {
		if c.healthFailureThreshold < 1 {
			return &ConfigError{Field: "health_failure_threshold", Reason: "must be at least 1"}
		}
		if len(c.healthTestHosts) == 0 {
			return &ConfigError{Field: "health_test_hosts", Reason: "health checking needs at least one host"}
		}
	}
	if c.maxAuthRetries < 0 {
		return &ConfigError{Field: "max_auth_retries", Reason: "must not be negative"}
	}
	if c.openConnectPath == "" {
		return &ConfigError{Field: "openconnect_path", Reason: "must not be empty"}
	}
	if c.provisionTun && c.interfaceName == "" {
		return &ConfigError{Field: "interface_name", Reason: "required when provision_tun is set"}
	}
	if c.mtu < 0 || (c.mtu > 0 && c.mtu < 576) {
		return &ConfigError{Field: "mtu", Reason: fmt.Sprintf("%d is out of range", c.mtu)}
	}
	return nil
}
