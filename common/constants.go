// Package common provides shared constants, types, and utilities
// used across the connection engine.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "OpenConnect Core"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "openconnect-core"
	// KeyringService is the identifier used in the system keyring.
	KeyringService = "openconnect-core"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	HistoryFileName     = "history.db"
	CredentialsFileName = ".credentials"
	LogFileName         = "openconnect-core.log"
	EnvFileName         = ".env.local"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is the maximum time to establish a tunnel.
	ConnectionTimeout = 30 * time.Second
	// HandshakeTimeout bounds the TLS handshake with the gateway.
	HandshakeTimeout = 15 * time.Second
	// AuthTimeout bounds a single credential exchange.
	AuthTimeout = 30 * time.Second
	// DisconnectTimeout is how long a graceful logout may take before the
	// tunnel process is killed.
	DisconnectTimeout = 5 * time.Second
	// PollInterval is the maximum time the run loop blocks between checks
	// of the cancellation flag.
	PollInterval = 500 * time.Millisecond
	// StatsInterval is how often traffic statistics are published.
	StatsInterval = 5 * time.Second
	// HealthFailureThreshold is the number of failed probes before a
	// reconnect is forced.
	HealthFailureThreshold = 3
	// MaxAuthRetries bounds interactive credential retries.
	MaxAuthRetries = 3
	// LogRotationInterval is how often a running session checks the size
	// of the log file.
	LogRotationInterval = time.Minute
)

// Protocol engine defaults.
const (
	// OpenConnectBinary is the tunnel engine executable looked up in PATH.
	OpenConnectBinary = "openconnect"
	// DefaultUserAgent is announced to AnyConnect gateways.
	DefaultUserAgent = "AnyConnect Linux_64 4.10.07061"
	// DefaultDeviceID is the platform identifier sent during authentication.
	DefaultDeviceID = "linux-64"
)

// Environment variables read by the command line front end.
const (
	EnvServer   = "VPN_SERVER"
	EnvUsername = "VPN_USERNAME"
	EnvPassword = "VPN_PASSWORD"
	EnvProtocol = "VPN_PROTOCOL"
)
