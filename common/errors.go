// Package common provides shared constants, types, and utilities
// used across the connection engine.
package common

import "errors"

// Sentinel errors for connection operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Protocol errors.
	ErrUnsupported     = errors.New("unsupported by protocol")
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrAuthRejected    = errors.New("authentication rejected")

	// Orchestrator errors.
	ErrInvalidState      = errors.New("invalid connection state")
	ErrEngineFailure     = errors.New("protocol engine failure")
	ErrCancelled         = errors.New("operation cancelled")
	ErrTimeout           = errors.New("operation timed out")
	ErrHealthCheckFailed = errors.New("tunnel health check failed")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration file errors.
	ErrConfigLoad = errors.New("failed to load configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
