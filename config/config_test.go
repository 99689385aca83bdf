package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yllada/openconnect-core/common"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel() != LevelInfo {
		t.Errorf("LogLevel() = %v, want %v", cfg.LogLevel(), LevelInfo)
	}
	if cfg.PollInterval() != common.PollInterval {
		t.Errorf("PollInterval() = %v, want %v", cfg.PollInterval(), common.PollInterval)
	}
	if cfg.MaxAuthRetries() != common.MaxAuthRetries {
		t.Errorf("MaxAuthRetries() = %v, want %v", cfg.MaxAuthRetries(), common.MaxAuthRetries)
	}
	if !cfg.AutoDetectCAPaths() {
		t.Error("AutoDetectCAPaths should be enabled by default")
	}
	if cfg.HealthCheckInterval() != 0 {
		t.Error("health checking should be disabled by default")
	}
}

func TestConfigBuilder_Build(t *testing.T) {
	cfg, err := NewConfigBuilder().
		LogLevel(LevelDebug).
		PollInterval(100 * time.Millisecond).
		MaxAuthRetries(1).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.LogLevel() != LevelDebug {
		t.Errorf("LogLevel() = %v, want %v", cfg.LogLevel(), LevelDebug)
	}
	if cfg.PollInterval() != 100*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 100ms", cfg.PollInterval())
	}
}

func TestConfigBuilder_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		build func(*ConfigBuilder)
		field string
	}{
		{"log level", func(b *ConfigBuilder) { b.LogLevel(LogLevel(42)) }, "log_level"},
		{"zero poll", func(b *ConfigBuilder) { b.PollInterval(0) }, "poll_interval"},
		{"negative timeout", func(b *ConfigBuilder) { b.ConnectTimeout(-time.Second) }, "connect_timeout"},
		{"negative retries", func(b *ConfigBuilder) { b.MaxAuthRetries(-1) }, "max_auth_retries"},
		{"explicit without files", func(b *ConfigBuilder) { b.TrustPolicy(TrustExplicit) }, "ca_files"},
		{"missing ca file", func(b *ConfigBuilder) { b.CAFile("/nonexistent/ca.pem") }, "ca_files"},
		{"health without hosts", func(b *ConfigBuilder) { b.HealthCheck(time.Second, 3) }, "health_test_hosts"},
		{"provision without name", func(b *ConfigBuilder) { b.ProvisionTun(true) }, "interface_name"},
		{"tiny mtu", func(b *ConfigBuilder) { b.MTU(100) }, "mtu"},
		{"empty binary", func(b *ConfigBuilder) { b.OpenConnectPath("") }, "openconnect_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewConfigBuilder()
			tt.build(b)
			cfg, err := b.Build()
			if cfg != nil {
				t.Error("Build() should not return a config on error")
			}
			if !errors.Is(err, common.ErrInvalidConfig) {
				t.Fatalf("Build() error = %v, want ErrInvalidConfig", err)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) || cerr.Field != tt.field {
				t.Errorf("ConfigError field = %v, want %v", cerr, tt.field)
			}
		})
	}
}

func TestConfig_Immutable(t *testing.T) {
	b := NewConfigBuilder().ExtraArgs("--no-xmlpost")
	cfg, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	b.ExtraArgs("--later")
	args := cfg.ExtraArgs()
	args[0] = "mutated"

	if got := cfg.ExtraArgs(); len(got) != 1 || got[0] != "--no-xmlpost" {
		t.Errorf("ExtraArgs() = %v, want [--no-xmlpost]", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); !errors.Is(err, common.ErrInvalidConfig) {
		t.Errorf("ParseLogLevel(verbose) error = %v, want ErrInvalidConfig", err)
	}
}

func TestTrustPolicy(t *testing.T) {
	if !TrustSystemAndExplicit.IncludesSystem() || !TrustSystemAndExplicit.IncludesExplicit() {
		t.Error("system+explicit should include both sources")
	}
	if TrustExplicit.IncludesSystem() {
		t.Error("explicit policy should not include system roots")
	}
	p, err := ParseTrustPolicy(TrustSystemAndExplicit.String())
	if err != nil || p != TrustSystemAndExplicit {
		t.Errorf("ParseTrustPolicy round trip = %v, %v", p, err)
	}
}

func TestLoad(t *testing.T) {
	doc := `
log_level: debug
trust_policy: system
poll_interval: 250ms
stats_interval: 2s
max_auth_retries: 0
health_check:
  interval: 10s
  test_hosts: ["10.0.0.1:53"]
interface_name: vpn0
extra_args: ["--no-xmlpost"]
`
	b, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if cfg.LogLevel() != LevelDebug {
		t.Errorf("LogLevel() = %v, want DEBUG", cfg.LogLevel())
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 250ms", cfg.PollInterval())
	}
	if cfg.MaxAuthRetries() != 0 {
		t.Errorf("MaxAuthRetries() = %v, want 0", cfg.MaxAuthRetries())
	}
	if cfg.HealthCheckInterval() != 10*time.Second || cfg.HealthFailureThreshold() != common.HealthFailureThreshold {
		t.Errorf("health = %v/%v", cfg.HealthCheckInterval(), cfg.HealthFailureThreshold())
	}
	if cfg.InterfaceName() != "vpn0" {
		t.Errorf("InterfaceName() = %v, want vpn0", cfg.InterfaceName())
	}
	if cfg.HandshakeTimeout() != common.HandshakeTimeout {
		t.Errorf("unset keys should keep defaults, HandshakeTimeout() = %v", cfg.HandshakeTimeout())
	}
}

func TestLoad_UnknownField(t *testing.T) {
	if _, err := Load(strings.NewReader("theme: dark\n")); err == nil {
		t.Error("Load() should reject unknown fields")
	}
}

func TestLoad_Empty(t *testing.T) {
	b, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := b.Build(); err != nil {
		t.Errorf("empty document should build defaults, got %v", err)
	}
}

func TestSaveLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	orig, err := NewConfigBuilder().
		LogLevel(LevelWarn).
		TrustPolicy(TrustSystem).
		DisconnectTimeout(2 * time.Second).
		HealthCheck(time.Minute, 2, "1.1.1.1:53").
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := orig.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	b, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	loaded, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if loaded.LogLevel() != LevelWarn || loaded.DisconnectTimeout() != 2*time.Second {
		t.Errorf("loaded = %v/%v", loaded.LogLevel(), loaded.DisconnectTimeout())
	}
	if loaded.HealthFailureThreshold() != 2 || len(loaded.HealthTestHosts()) != 1 {
		t.Errorf("health settings not preserved: %v %v", loaded.HealthFailureThreshold(), loaded.HealthTestHosts())
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("/nonexistent/config.yaml")
	if !errors.Is(err, common.ErrConfigLoad) {
		t.Errorf("LoadFile() error = %v, want ErrConfigLoad", err)
	}
}
