package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/openconnect-core/common"
)

// fileConfig is the on-disk YAML representation of Config.
type fileConfig struct {
	LogLevel          string   `yaml:"log_level"`
	TrustPolicy       string   `yaml:"trust_policy"`
	CAFiles           []string `yaml:"ca_files,omitempty"`
	AutoDetectCAPaths *bool    `yaml:"auto_detect_ca_paths,omitempty"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout,omitempty"`
	AuthTimeout       time.Duration `yaml:"auth_timeout,omitempty"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	StatsInterval     time.Duration `yaml:"stats_interval,omitempty"`

	HealthCheck struct {
		Interval         time.Duration `yaml:"interval,omitempty"`
		FailureThreshold int           `yaml:"failure_threshold,omitempty"`
		TestHosts        []string      `yaml:"test_hosts,omitempty"`
	} `yaml:"health_check,omitempty"`

	MaxAuthRetries *int `yaml:"max_auth_retries,omitempty"`

	OpenConnectPath string   `yaml:"openconnect_path,omitempty"`
	ScriptPath      string   `yaml:"script_path,omitempty"`
	InterfaceName   string   `yaml:"interface_name,omitempty"`
	ProvisionTun    bool     `yaml:"provision_tun,omitempty"`
	MTU             int      `yaml:"mtu,omitempty"`
	UserAgent       string   `yaml:"user_agent,omitempty"`
	DeviceID        string   `yaml:"device_id,omitempty"`
	ExtraArgs       []string `yaml:"extra_args,omitempty"`
}

// Load decodes a YAML document into a builder seeded with the defaults.
// Unknown keys are rejected. Values are validated by Build.
func Load(r io.Reader) (*ConfigBuilder, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var fc fileConfig
	if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return fc.builder()
}

// LoadFile reads the YAML configuration at path.
func LoadFile(path string) (*ConfigBuilder, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	return Load(file)
}

// LoadDefault reads the configuration from the user's config directory.
// If the file doesn't exist, it is created with default values.
func LoadDefault() (*ConfigBuilder, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(configDir, common.ConfigFileName)

	if !common.FileExists(path) {
		if err := Default().Save(path); err != nil {
			return NewConfigBuilder(), err
		}
		return NewConfigBuilder(), nil
	}
	return LoadFile(path)
}

func (fc *fileConfig) builder() (*ConfigBuilder, error) {
	b := NewConfigBuilder()

	level, err := ParseLogLevel(fc.LogLevel)
	if err != nil {
		return nil, err
	}
	policy, err := ParseTrustPolicy(fc.TrustPolicy)
	if err != nil {
		return nil, err
	}
	b.LogLevel(level).TrustPolicy(policy)

	for _, path := range fc.CAFiles {
		b.CAFile(path)
	}
	if fc.AutoDetectCAPaths != nil {
		b.AutoDetectCAPaths(*fc.AutoDetectCAPaths)
	}

	setDuration := func(v time.Duration, set func(time.Duration) *ConfigBuilder) {
		if v != 0 {
			set(v)
		}
	}
	setDuration(fc.ConnectTimeout, b.ConnectTimeout)
	setDuration(fc.HandshakeTimeout, b.HandshakeTimeout)
	setDuration(fc.AuthTimeout, b.AuthTimeout)
	setDuration(fc.DisconnectTimeout, b.DisconnectTimeout)
	setDuration(fc.PollInterval, b.PollInterval)
	setDuration(fc.StatsInterval, b.StatsInterval)

	if fc.HealthCheck.Interval != 0 {
		threshold := fc.HealthCheck.FailureThreshold
		if threshold == 0 {
			threshold = common.HealthFailureThreshold
		}
		b.HealthCheck(fc.HealthCheck.Interval, threshold, fc.HealthCheck.TestHosts...)
	}
	if fc.MaxAuthRetries != nil {
		b.MaxAuthRetries(*fc.MaxAuthRetries)
	}

	if fc.OpenConnectPath != "" {
		b.OpenConnectPath(fc.OpenConnectPath)
	}
	if fc.UserAgent != "" {
		b.UserAgent(fc.UserAgent)
	}
	if fc.DeviceID != "" {
		b.DeviceID(fc.DeviceID)
	}
	b.ScriptPath(fc.ScriptPath).
		InterfaceName(fc.InterfaceName).
		ProvisionTun(fc.ProvisionTun).
		MTU(fc.MTU).
		ExtraArgs(fc.ExtraArgs...)

	return b, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	autoDetect := c.autoDetectCAPaths
	retries := c.maxAuthRetries
	fc := fileConfig{
		LogLevel:          c.logLevel.String(),
		TrustPolicy:       c.trustPolicy.String(),
		CAFiles:           c.CAFiles(),
		AutoDetectCAPaths: &autoDetect,
		ConnectTimeout:    c.connectTimeout,
		HandshakeTimeout:  c.handshakeTimeout,
		AuthTimeout:       c.authTimeout,
		DisconnectTimeout: c.disconnectTimeout,
		PollInterval:      c.pollInterval,
		StatsInterval:     c.statsInterval,
		MaxAuthRetries:    &retries,
		OpenConnectPath:   c.openConnectPath,
		ScriptPath:        c.scriptPath,
		InterfaceName:     c.interfaceName,
		ProvisionTun:      c.provisionTun,
		MTU:               c.mtu,
		UserAgent:         c.userAgent,
		DeviceID:          c.deviceID,
		ExtraArgs:         c.ExtraArgs(),
	}
	fc.HealthCheck.Interval = c.healthCheckInterval
	fc.HealthCheck.FailureThreshold = c.healthFailureThreshold
	fc.HealthCheck.TestHosts = c.HealthTestHosts()

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}
	return nil
}
