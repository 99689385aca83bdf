// Package events defines the lifecycle notifications a connection attempt
// emits and the handler slots an application fills to observe and steer it.
package events

import (
	"fmt"
	"time"

	"github.com/yllada/openconnect-core/config"
)

// Kind identifies a lifecycle event.
type Kind int

const (
	// KindConnected fires once the tunnel is up.
	KindConnected Kind = iota
	// KindDisconnected fires once when an established session ends.
	KindDisconnected
	// KindConnectionFailed fires once when an attempt fails before the
	// tunnel is up.
	KindConnectionFailed
	// KindAuthRetryRequested asks the application for new credentials.
	KindAuthRetryRequested
	// KindStatsUpdated carries periodic traffic counters.
	KindStatsUpdated
	// KindCertificateTrustRequested asks whether an unverified gateway
	// certificate should be trusted.
	KindCertificateTrustRequested
	// KindReconnecting fires when the tunnel is being re-established.
	KindReconnecting
)

// String returns a human-readable representation of the event kind.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindAuthRetryRequested:
		return "AuthRetryRequested"
	case KindStatsUpdated:
		return "StatsUpdated"
	case KindCertificateTrustRequested:
		return "CertificateTrustRequested"
	case KindReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Action is a handler's answer to an event. Most events only honour
// ActionCancel; CertificateTrustRequested also honours Accept and Reject.
type Action int

// Actions in increasing precedence.
const (
	ActionContinue Action = iota
	ActionAccept
	ActionReject
	ActionCancel
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Merge returns the action with the highest precedence.
func Merge(actions ...Action) Action {
	result := ActionContinue
	for _, a := range actions {
		if a > result && a <= ActionCancel {
			result = a
		}
	}
	return result
}

// Stats holds tunnel traffic counters.
type Stats struct {
	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
}

// Event is the payload passed to handlers. Fields not meaningful for a
// kind are left zero.
type Event struct {
	Kind      Kind
	AttemptID string
	Time      time.Time
	Server    string
	Protocol  string

	// Connected
	Interface string
	Address   string

	// StatsUpdated, Disconnected
	Stats Stats

	// CertificateTrustRequested
	Fingerprint string
	Subject     string

	// AuthRetryRequested
	Auth *AuthRetry

	// Reconnecting: how many times the tunnel has been re-established.
	Reconnect int

	// Disconnected, ConnectionFailed
	Reason string
	Err    error
}

// String summarizes the event for logs.
func (e Event) String() string {
	switch e.Kind {
	case KindConnected:
		return fmt.Sprintf("%s to %s via %s (%s %s)", e.Kind, e.Server, e.Protocol, e.Interface, e.Address)
	case KindStatsUpdated:
		return fmt.Sprintf("%s in=%d out=%d", e.Kind, e.Stats.BytesIn, e.Stats.BytesOut)
	case KindCertificateTrustRequested:
		return fmt.Sprintf("%s %s %s", e.Kind, e.Subject, e.Fingerprint)
	case KindAuthRetryRequested:
		if e.Auth != nil {
			return fmt.Sprintf("%s attempt %d/%d", e.Kind, e.Auth.Attempt, e.Auth.MaxAttempts)
		}
	case KindReconnecting:
		return fmt.Sprintf("%s #%d", e.Kind, e.Reconnect)
	case KindDisconnected, KindConnectionFailed:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

// AuthRetry lets an AuthRetryRequested handler hand back replacement
// credentials. At most one set is accepted per request.
type AuthRetry struct {
	Attempt     int
	MaxAttempts int
	Identity    string
	Message     string

	ch chan config.Credentials
}

// NewAuthRetry returns a request for the given attempt.
func NewAuthRetry(attempt, maxAttempts int, identity, message string) *AuthRetry {
	return &AuthRetry{
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Identity:    identity,
		Message:     message,
		ch:          make(chan config.Credentials, 1),
	}
}

// Supply offers credentials for the next attempt. It never blocks and
// reports false if credentials were already supplied or creds is nil.
func (r *AuthRetry) Supply(creds config.Credentials) bool {
	if r == nil || creds == nil {
		return false
	}
	select {
	case r.ch <- creds:
		return true
	default:
		return false
	}
}

// Supplied returns the credentials handed over by Supply, if any.
func (r *AuthRetry) Supplied() (config.Credentials, bool) {
	if r == nil {
		return nil, false
	}
	select {
	case creds := <-r.ch:
		return creds, true
	default:
		return nil, false
	}
}
