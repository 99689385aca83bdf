// Package vpn drives a single VPN connection through its lifecycle.
//
// A Client takes a validated config.Config and a config.Entrypoint, asks the
// entrypoint's protocol descriptor for an engine, and walks it through
// resolution, certificate trust, authentication and tunnel start-up:
//
//	Idle -> Connecting -> Authenticating -> Connected -> Disconnecting -> Disconnected | Failed
//
// InitConnection and RunLoop block and must be called from one goroutine.
// Cancel may be called from any goroutine; RunLoop observes it within one
// poll interval and shuts the engine down before returning.
//
// Lifecycle events are delivered synchronously to an events.EventHandlers
// set. A handler returning events.ActionCancel ends the attempt.
//
// ProfileManager keeps named gateways in a YAML file for reuse by the CLI.
package vpn
