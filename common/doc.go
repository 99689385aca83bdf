// Package common provides shared constants, types, utilities, and interfaces
// used throughout the connection engine.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Default timeouts, file names, and engine defaults
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: Abstractions for credential storage, notifications, and logging
//   - Logger: Leveled logging backed by zap with a rotating log file
//   - Utils: Directory helpers and identifier generation
//
// # Usage
//
//	import "github.com/yllada/openconnect-core/common"
//
//	common.LogInfo("Connecting to %s", server)
//
//	if errors.Is(err, common.ErrHandshakeFailed) {
//	    // Handle gateway handshake failure
//	}
package common
