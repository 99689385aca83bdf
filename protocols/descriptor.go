// Package protocols describes the supported VPN protocol variants and
// creates the engines that carry a connection attempt through the
// handshake, authentication and tunnel phases.
package protocols

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/config"
)

// Descriptor is a protocol variant that can instantiate engines. It is
// stateless and safe to share between clients.
type Descriptor interface {
	config.Protocol
	Instantiate(ctx context.Context, req Request) (Engine, error)
}

// Request carries everything an engine needs for one attempt.
type Request struct {
	Entrypoint *config.Entrypoint
	Config     *config.Config
	// RootCAs verifies the gateway certificate.
	RootCAs *x509.CertPool
	// PinnedCert, when set, is trusted even if verification fails.
	// It overrides Entrypoint.PinnedCert.
	PinnedCert string
	// Addrs are the resolved gateway addresses, tried in order.
	Addrs []string
	// Command builds the tunnel process. Nil uses exec.CommandContext.
	Command CommandFunc
}

// CommandFunc builds an external command.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// pin returns the fingerprint that should be trusted without verification.
func (r Request) pin() string {
	if r.PinnedCert != "" {
		return r.PinnedCert
	}
	if r.Entrypoint != nil {
		return r.Entrypoint.PinnedCert()
	}
	return ""
}

func (r Request) command() CommandFunc {
	if r.Command != nil {
		return r.Command
	}
	return exec.CommandContext
}

// Engine runs a single connection attempt. It is owned by one client and
// is not safe for concurrent use, except that Shutdown may be called
// while Poll is blocked.
type Engine interface {
	// Authenticate exchanges credentials for a session.
	Authenticate(ctx context.Context, creds config.Credentials) error
	// Start brings the tunnel up.
	Start(ctx context.Context) (TunnelInfo, error)
	// Poll waits up to timeout for tunnel activity.
	Poll(ctx context.Context, timeout time.Duration) (Activity, error)
	// Stats returns traffic counters.
	Stats() (Stats, error)
	// Shutdown tears the tunnel down. It is idempotent.
	Shutdown(ctx context.Context) error
}

// Reconnector is implemented by engines that can re-establish the tunnel
// without a new authentication.
type Reconnector interface {
	Reconnect() error
}

// TunnelInfo describes an established tunnel.
type TunnelInfo struct {
	Interface   string
	Address     string
	Address6    string
	Gateway     string
	Fingerprint string
}

// Activity is what Poll observed.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityReconnecting
	ActivityReconnected
	ActivityPeerDisconnected
)

// String returns a human-readable representation of the activity.
func (a Activity) String() string {
	switch a {
	case ActivityIdle:
		return "idle"
	case ActivityReconnecting:
		return "reconnecting"
	case ActivityReconnected:
		return "reconnected"
	case ActivityPeerDisconnected:
		return "peer disconnected"
	default:
		return "unknown"
	}
}

// Stats holds tunnel traffic counters.
type Stats struct {
	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
}

// Capabilities describe a protocol variant.
type Capabilities struct {
	Name                string
	SupportsUDP         bool
	RequiresCredentials bool
	// CredentialKinds lists accepted credential variants. Empty accepts all.
	CredentialKinds []config.CredentialKind
	// Flag is the value passed to openconnect --protocol. Defaults to Name.
	Flag string
}

// Factory creates an engine once a request has passed capability checks.
type Factory func(ctx context.Context, caps Capabilities, req Request) (Engine, error)

type descriptor struct {
	caps    Capabilities
	factory Factory
}

func (d *descriptor) Name() string              { return d.caps.Name }
func (d *descriptor) SupportsUDP() bool         { return d.caps.SupportsUDP }
func (d *descriptor) RequiresCredentials() bool { return d.caps.RequiresCredentials }
func (d *descriptor) String() string            { return d.caps.Name }

// Capabilities returns a copy of the variant's capabilities.
func (d *descriptor) Capabilities() Capabilities {
	caps := d.caps
	caps.CredentialKinds = slices.Clone(d.caps.CredentialKinds)
	return caps
}

// Instantiate validates the request against the variant's capabilities
// and creates an engine.
func (d *descriptor) Instantiate(ctx context.Context, req Request) (Engine, error) {
	if req.Entrypoint == nil || req.Config == nil {
		return nil, fmt.Errorf("%w: request needs an entrypoint and a config", common.ErrInvalidConfig)
	}
	if err := d.check(req.Entrypoint); err != nil {
		return nil, err
	}
	return d.factory(ctx, d.caps, req)
}

func (d *descriptor) check(ep *config.Entrypoint) error {
	if ep.EnableUDP() && !d.caps.SupportsUDP {
		return &ProtocolError{
			Kind:     KindUnsupported,
			Protocol: d.caps.Name,
			Message:  "UDP transport is not supported",
		}
	}
	creds := ep.Credentials()
	if creds != nil && len(d.caps.CredentialKinds) > 0 && !slices.Contains(d.caps.CredentialKinds, creds.Kind()) {
		return &ProtocolError{
			Kind:     KindUnsupported,
			Protocol: d.caps.Name,
			Message:  fmt.Sprintf("%s credentials are not supported", creds.Kind()),
		}
	}
	return nil
}

// Custom returns a descriptor with the given capabilities whose engines
// come from factory.
func Custom(caps Capabilities, factory Factory) Descriptor {
	if caps.Flag == "" {
		caps.Flag = caps.Name
	}
	return &descriptor{caps: caps, factory: factory}
}

var allCredentials = []config.CredentialKind{
	config.CredentialPassword,
	config.CredentialCookie,
	config.CredentialCertificate,
}

func builtin(name string) Descriptor {
	return Custom(Capabilities{
		Name:                name,
		SupportsUDP:         true,
		RequiresCredentials: true,
		CredentialKinds:     allCredentials,
	}, newOpenConnectEngine)
}

var builtins = map[string]Descriptor{
	"anyconnect": builtin("anyconnect"),
	"gp":         builtin("gp"),
	"pulse":      builtin("pulse"),
	"nc":         builtin("nc"),
	"fortinet":   builtin("fortinet"),
	"f5":         builtin("f5"),
	"array":      builtin("array"),
}

var aliases = map[string]string{
	"cisco":          "anyconnect",
	"openconnect":    "anyconnect",
	"globalprotect":  "gp",
	"paloalto":       "gp",
	"juniper":        "nc",
	"networkconnect": "nc",
	"pulsesecure":    "pulse",
	"forti":          "fortinet",
	"fortigate":      "fortinet",
	"bigip":          "f5",
}

// GetAnyConnectProtocol returns the Cisco AnyConnect / ocserv variant.
func GetAnyConnectProtocol() Descriptor { return builtins["anyconnect"] }

// GetGlobalProtectProtocol returns the Palo Alto GlobalProtect variant.
func GetGlobalProtectProtocol() Descriptor { return builtins["gp"] }

// GetPulseProtocol returns the Pulse Connect Secure variant.
func GetPulseProtocol() Descriptor { return builtins["pulse"] }

// GetNetworkConnectProtocol returns the Juniper Network Connect variant.
func GetNetworkConnectProtocol() Descriptor { return builtins["nc"] }

// GetFortinetProtocol returns the Fortinet SSL VPN variant.
func GetFortinetProtocol() Descriptor { return builtins["fortinet"] }

// GetF5Protocol returns the F5 BIG-IP variant.
func GetF5Protocol() Descriptor { return builtins["f5"] }

// GetArrayProtocol returns the Array Networks variant.
func GetArrayProtocol() Descriptor { return builtins["array"] }

// Lookup finds a built-in variant by name or common alias.
func Lookup(name string) (Descriptor, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	if d, ok := builtins[key]; ok {
		return d, nil
	}
	return nil, &ProtocolError{Kind: KindUnsupported, Protocol: name, Message: "unknown protocol"}
}

// Names returns the names of the built-in variants in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// gatewayAddr returns the dial address for the i-th resolved address.
func gatewayAddr(req Request, i int) string {
	port := req.Entrypoint.Port()
	if i < len(req.Addrs) {
		return net.JoinHostPort(req.Addrs[i], port)
	}
	return net.JoinHostPort(req.Entrypoint.Host(), port)
}
