package vpn

import (
	"context"
	"errors"
	"fmt"

	"github.com/yllada/openconnect-core/common"
	"github.com/yllada/openconnect-core/protocols"
)

// ErrorKind classifies orchestrator failures.
type ErrorKind int

const (
	KindInvalidConfig ErrorKind = iota
	KindInvalidState
	KindUnsupported
	KindHandshakeFailed
	KindAuthRejected
	KindEngineFailure
	KindCancelled
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid config"
	case KindInvalidState:
		return "invalid state"
	case KindUnsupported:
		return "unsupported"
	case KindHandshakeFailed:
		return "handshake failed"
	case KindAuthRejected:
		return "authentication rejected"
	case KindEngineFailure:
		return "engine failure"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindInvalidConfig:
		return common.ErrInvalidConfig
	case KindInvalidState:
		return common.ErrInvalidState
	case KindUnsupported:
		return common.ErrUnsupported
	case KindHandshakeFailed:
		return common.ErrHandshakeFailed
	case KindAuthRejected:
		return common.ErrAuthRejected
	case KindEngineFailure:
		return common.ErrEngineFailure
	case KindCancelled:
		return common.ErrCancelled
	}
	return nil
}

// OrchestratorError is returned by Client operations.
type OrchestratorError struct {
	Kind ErrorKind
	// Op is the operation that failed: "init" or "run".
	Op string
	// State is the client state when an InvalidState error was raised.
	State State
	Err   error
}

func (e *OrchestratorError) Error() string {
	msg := fmt.Sprintf("vpn %s: %s", e.Op, e.Kind)
	if e.Kind == KindInvalidState {
		msg += fmt.Sprintf(" (%s)", e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// Is matches the sentinel error for the kind.
func (e *OrchestratorError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// classify wraps err in an OrchestratorError with a kind derived from
// its cause.
func classify(op string, err error, cancelled bool) *OrchestratorError {
	var oerr *OrchestratorError
	if errors.As(err, &oerr) {
		return oerr
	}

	kind := KindEngineFailure
	var perr *protocols.ProtocolError
	switch {
	case cancelled || errors.Is(err, context.Canceled) || errors.Is(err, common.ErrCancelled):
		kind = KindCancelled
	case errors.As(err, &perr):
		switch perr.Kind {
		case protocols.KindUnsupported:
			kind = KindUnsupported
		case protocols.KindHandshakeFailed:
			kind = KindHandshakeFailed
		case protocols.KindAuthRejected:
			kind = KindAuthRejected
		}
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindHandshakeFailed
	case errors.Is(err, common.ErrInvalidConfig), errors.Is(err, common.ErrMissingField):
		kind = KindInvalidConfig
	case errors.Is(err, common.ErrUnsupported):
		kind = KindUnsupported
	}
	return &OrchestratorError{Kind: kind, Op: op, Err: err}
}
