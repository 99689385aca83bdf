package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/yllada/openconnect-core/common"
)

// Protocol identifies the gateway protocol variant an Entrypoint targets.
// The protocols package provides the implementations.
type Protocol interface {
	// Name is the protocol tag, e.g. "anyconnect".
	Name() string
	// SupportsUDP reports whether the variant has a datagram transport.
	SupportsUDP() bool
	// RequiresCredentials reports whether an Entrypoint must carry credentials.
	RequiresCredentials() bool
}

// CredentialKind enumerates the supported credential variants.
type CredentialKind int

const (
	CredentialPassword CredentialKind = iota
	CredentialCookie
	CredentialCertificate
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialPassword:
		return "password"
	case CredentialCookie:
		return "cookie"
	case CredentialCertificate:
		return "certificate"
	default:
		return "unknown"
	}
}

// Credentials is the authentication material of one attempt. The set of
// implementations is closed.
type Credentials interface {
	Kind() CredentialKind
	// Identity is a non-secret label suitable for logs and keyring accounts.
	Identity() string
	missingField() string
}

// PasswordCredentials authenticates with a username and password.
type PasswordCredentials struct {
	Username string
	Password string
}

func (PasswordCredentials) Kind() CredentialKind { return CredentialPassword }
func (c PasswordCredentials) Identity() string   { return c.Username }

func (c PasswordCredentials) missingField() string {
	switch {
	case c.Username == "":
		return "username"
	case c.Password == "":
		return "password"
	}
	return ""
}

// String redacts the password.
func (c PasswordCredentials) String() string {
	return fmt.Sprintf("password credentials for %q", c.Username)
}

// CookieCredentials reuses a session cookie obtained out of band.
type CookieCredentials struct {
	Cookie string
}

func (CookieCredentials) Kind() CredentialKind { return CredentialCookie }
func (CookieCredentials) Identity() string     { return "cookie" }

func (c CookieCredentials) missingField() string {
	if c.Cookie == "" {
		return "cookie"
	}
	return ""
}

func (CookieCredentials) String() string { return "session cookie" }

// CertificateCredentials authenticates with a client certificate. Username
// is optional and sent when the gateway asks for one.
type CertificateCredentials struct {
	CertFile string
	KeyFile  string
	Username string
}

func (CertificateCredentials) Kind() CredentialKind { return CredentialCertificate }

func (c CertificateCredentials) Identity() string {
	if c.Username != "" {
		return c.Username
	}
	return c.CertFile
}

func (c CertificateCredentials) missingField() string {
	if c.CertFile == "" {
		return "certificate"
	}
	return ""
}

// EntrypointError reports an Entrypoint that cannot be built.
type EntrypointError struct {
	Field  string
	Reason string
}

func (e *EntrypointError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", common.ErrMissingField, e.Field)
	}
	return fmt.Sprintf("invalid entrypoint: %s: %s", e.Field, e.Reason)
}

// Is matches common.ErrMissingField for absent fields and
// common.ErrInvalidConfig for malformed ones.
func (e *EntrypointError) Is(target error) bool {
	if e.Reason == "" {
		return target == common.ErrMissingField
	}
	return target == common.ErrInvalidConfig
}

// Entrypoint describes one connection attempt. It is immutable.
type Entrypoint struct {
	name               string
	server             *url.URL
	credentials        Credentials
	protocol           Protocol
	enableUDP          bool
	acceptInsecureCert bool
	pinnedCert         string
	group              string
}

func (e *Entrypoint) Name() string {
	if e.name != "" {
		return e.name
	}
	return e.server.Host
}

// Server returns the normalized gateway URL string.
func (e *Entrypoint) Server() string { return e.server.String() }

// ServerURL returns a copy of the gateway URL.
func (e *Entrypoint) ServerURL() *url.URL {
	u := *e.server
	return &u
}

// Host returns the gateway host name without port.
func (e *Entrypoint) Host() string { return e.server.Hostname() }

// Port returns the gateway port, defaulting to 443.
func (e *Entrypoint) Port() string {
	if p := e.server.Port(); p != "" {
		return p
	}
	return "443"
}

func (e *Entrypoint) Credentials() Credentials { return e.credentials }
func (e *Entrypoint) Protocol() Protocol       { return e.protocol }
func (e *Entrypoint) EnableUDP() bool          { return e.enableUDP }
func (e *Entrypoint) AcceptInsecureCert() bool { return e.acceptInsecureCert }
func (e *Entrypoint) PinnedCert() string       { return e.pinnedCert }
func (e *Entrypoint) Group() string            { return e.group }

// ParseServer normalizes a gateway address. Bare hosts and host:port pairs
// get an https scheme.
func ParseServer(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty server address")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host")
	}
	if p := u.Port(); p != "" {
		if _, err := net.LookupPort("tcp", p); err != nil {
			return nil, fmt.Errorf("invalid port %q", p)
		}
	}
	return u, nil
}

// EntrypointBuilder accumulates the fields of an Entrypoint. It can be
// reused as a template: Build never modifies it.
type EntrypointBuilder struct {
	name               string
	server             string
	username           string
	password           string
	credentials        Credentials
	protocol           Protocol
	enableUDP          bool
	acceptInsecureCert bool
	pinnedCert         string
	group              string
}

// NewEntrypointBuilder returns a builder with UDP enabled.
func NewEntrypointBuilder() *EntrypointBuilder {
	return &EntrypointBuilder{enableUDP: true}
}

func (b *EntrypointBuilder) Name(name string) *EntrypointBuilder {
	b.name = name
	return b
}

func (b *EntrypointBuilder) Server(server string) *EntrypointBuilder {
	b.server = server
	return b
}

// Username sets the user for password credentials.
func (b *EntrypointBuilder) Username(username string) *EntrypointBuilder {
	b.username = username
	return b
}

// Password sets the secret for password credentials.
func (b *EntrypointBuilder) Password(password string) *EntrypointBuilder {
	b.password = password
	return b
}

// Cookie selects cookie credentials.
func (b *EntrypointBuilder) Cookie(cookie string) *EntrypointBuilder {
	b.credentials = CookieCredentials{Cookie: cookie}
	return b
}

// Certificate selects client certificate credentials.
func (b *EntrypointBuilder) Certificate(certFile, keyFile string) *EntrypointBuilder {
	b.credentials = CertificateCredentials{CertFile: certFile, KeyFile: keyFile, Username: b.username}
	return b
}

// Credentials sets the credentials explicitly, overriding Username/Password.
func (b *EntrypointBuilder) Credentials(creds Credentials) *EntrypointBuilder {
	b.credentials = creds
	return b
}

func (b *EntrypointBuilder) Protocol(protocol Protocol) *EntrypointBuilder {
	b.protocol = protocol
	return b
}

func (b *EntrypointBuilder) EnableUDP(enabled bool) *EntrypointBuilder {
	b.enableUDP = enabled
	return b
}

// AcceptInsecureCert lets the attempt proceed when the gateway certificate
// does not verify, pinning the presented key instead.
func (b *EntrypointBuilder) AcceptInsecureCert(accept bool) *EntrypointBuilder {
	b.acceptInsecureCert = accept
	return b
}

// PinnedCert trusts a gateway key fingerprint ("pin-sha256:...") in
// addition to the configured authorities.
func (b *EntrypointBuilder) PinnedCert(fingerprint string) *EntrypointBuilder {
	b.pinnedCert = fingerprint
	return b
}

// Group selects the authentication group (tunnel group) on the gateway.
func (b *EntrypointBuilder) Group(group string) *EntrypointBuilder {
	b.group = group
	return b
}

// Build validates the accumulated fields and returns an Entrypoint.
func (b *EntrypointBuilder) Build() (*Entrypoint, error) {
	if strings.TrimSpace(b.server) == "" {
		return nil, &EntrypointError{Field: "server"}
	}
	if b.protocol == nil {
		return nil, &EntrypointError{Field: "protocol"}
	}

	server, err := ParseServer(b.server)
	if err != nil {
		return nil, &EntrypointError{Field: "server", Reason: err.Error()}
	}

	creds := b.credentials
	if creds == nil && (b.username != "" || b.password != "") {
		creds = PasswordCredentials{Username: b.username, Password: b.password}
	}
	if b.protocol.RequiresCredentials() {
		if creds == nil {
			return nil, &EntrypointError{Field: "credentials"}
		}
		if field := creds.missingField(); field != "" {
			return nil, &EntrypointError{Field: field}
		}
	}

	if b.pinnedCert != "" && !strings.HasPrefix(b.pinnedCert, "pin-sha256:") {
		return nil, &EntrypointError{Field: "pinned_cert", Reason: "expected pin-sha256:<base64>"}
	}

	return &Entrypoint{
		name:               b.name,
		server:             server,
		credentials:        creds,
		protocol:           b.protocol,
		enableUDP:          b.enableUDP,
		acceptInsecureCert: b.acceptInsecureCert,
		pinnedCert:         b.pinnedCert,
		group:              b.group,
	}, nil
}
