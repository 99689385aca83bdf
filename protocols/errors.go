package protocols

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/yllada/openconnect-core/common"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	KindUnsupported ErrorKind = iota
	KindHandshakeFailed
	KindAuthRejected
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindHandshakeFailed:
		return "handshake failed"
	case KindAuthRejected:
		return "authentication rejected"
	default:
		return "unknown"
	}
}

// Reason refines a handshake failure.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCertificateUntrusted
	ReasonTLS
	ReasonResolve
	ReasonNetwork
	ReasonTimeout
	ReasonProtocol
)

// String returns a human-readable representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonCertificateUntrusted:
		return "certificate untrusted"
	case ReasonTLS:
		return "tls"
	case ReasonResolve:
		return "resolve"
	case ReasonNetwork:
		return "network"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocol:
		return "protocol"
	default:
		return ""
	}
}

// ProtocolError reports a failure from a protocol engine.
type ProtocolError struct {
	Kind     ErrorKind
	Reason   Reason
	Protocol string
	Message  string
	// Fingerprint and Subject identify the gateway certificate when
	// Reason is ReasonCertificateUntrusted.
	Fingerprint string
	Subject     string
	// Retryable marks an authentication rejection that new credentials
	// may overcome.
	Retryable bool
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := e.Kind.String()
	if e.Protocol != "" {
		msg = e.Protocol + ": " + msg
	}
	if e.Reason != ReasonNone {
		msg += " (" + e.Reason.String() + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches the sentinel error for the kind, and common.ErrTimeout for
// handshakes that ran out of time.
func (e *ProtocolError) Is(target error) bool {
	if target == common.ErrTimeout {
		return e.Reason == ReasonTimeout
	}
	switch e.Kind {
	case KindUnsupported:
		return target == common.ErrUnsupported
	case KindHandshakeFailed:
		return target == common.ErrHandshakeFailed
	case KindAuthRejected:
		return target == common.ErrAuthRejected
	}
	return false
}

// IsCertificateUntrusted reports whether err is a handshake failure caused
// by an unverifiable gateway certificate, and returns it.
func IsCertificateUntrusted(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) && perr.Kind == KindHandshakeFailed && perr.Reason == ReasonCertificateUntrusted {
		return perr, true
	}
	return nil, false
}

// IsRetryableAuth reports whether err is an authentication rejection that
// new credentials may overcome.
func IsRetryableAuth(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Kind == KindAuthRejected && perr.Retryable
}

// handshakeError classifies a dial or handshake failure.
func handshakeError(protocol string, err error) *ProtocolError {
	perr := &ProtocolError{Kind: KindHandshakeFailed, Protocol: protocol, Err: err}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		perr.Reason = ReasonTimeout
	case errors.As(err, &dnsErr):
		perr.Reason = ReasonResolve
	case errors.As(err, &opErr) && opErr.Op == "dial":
		if opErr.Timeout() {
			perr.Reason = ReasonTimeout
		} else {
			perr.Reason = ReasonNetwork
		}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			perr.Reason = ReasonTimeout
		} else {
			perr.Reason = ReasonTLS
		}
	}
	return perr
}

// ResolveError reports a failed gateway name lookup.
func ResolveError(protocol, host string, err error) *ProtocolError {
	return &ProtocolError{
		Kind:     KindHandshakeFailed,
		Reason:   ReasonResolve,
		Protocol: protocol,
		Message:  fmt.Sprintf("cannot resolve %s", host),
		Err:      err,
	}
}
