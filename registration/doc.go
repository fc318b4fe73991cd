// Package registration registers a freshly booted instance with an
// orchestrator. The orchestrator announces its instance listener with UDP
// heartbeats of the form `<prefix>:<ipv4 address>`. The instance answers a
// heartbeat by connecting to that address, sending
// `POST /register?mac_address=<identity>` and reading back a JSON object of
// parameters, which are injected into the environment before the readiness
// gate opens.
//
// # Startup sequence
//
//  1. ConfigFromViper() (or DefaultConfig()); on error return or exit
//  2. NewRegistrar(config); on error return or exit
//  3. Serve HealthHandler() so that the boot sequencer can poll readiness
//  4. StartWithAcquirer(ctx, acquirer), or LookupInterface + Start if the
//     interface is already configured
//  5. Wait(ctx) for the gate, then start the workload
//  6. Close() on shutdown
//
// # Attempts
//
// Every heartbeat that carries a valid address, and arrives while the
// instance is neither registered nor out of attempts, consumes exactly one
// attempt whatever the outcome of its handshake. Malformed heartbeats and
// unparseable addresses consume nothing. Connection failures, rejections,
// malformed responses and injection failures all spend the attempt; there are
// no retries within an attempt, the next heartbeat drives the next try.
//
// Once the last attempt has failed the instance stays unready for the rest of
// its life. The same is true when no address is acquired within
// Config.AcquireTimeout. Neither is reported other than through logs and the
// readiness probe.
//
// # Concurrency
//
// Heartbeats are handled in arrival order on the listener goroutine, but
// handshakes run in the background, so a second heartbeat can start a second
// attempt while the first is still waiting for its response. The first
// attempt whose parameters are injected successfully wins; the completion
// hook and the readiness gate fire exactly once, for that attempt.
package registration
