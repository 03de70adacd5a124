// Package connectivity owns the device's connection lifecycle.
//
// The Manager is a state machine:
//
//	Idle → Provisioning → SessionOpening → SubscriptionSetup → Connected
//	                ↑                                               │
//	                └──────────────── Disconnected ←────────────────┘
//
// and any state can move to Terminated. Every disconnect re-provisions the
// identity instead of reconnecting to the previous endpoint, so a device
// follows its hub if the assignment changes (failover).
//
// # Failure Classes
//
//   - Identity rejection (registration Disabled or Failed, or refused
//     credentials) and provisioning timeout are fatal: the manager
//     terminates and reports the error once.
//   - Anything else during provisioning, session open or subscription
//     setup is transient: the manager moves to Disconnected and retries.
//   - DISCONNECTED_RETRYING status events never tear a session down.
//
// # Concurrency
//
// The blocking steps run on one control goroutine. Status events arrive on
// session goroutines. Both go through a single mutex. Other components read
// the live session through Session(), which returns ErrNotConnected unless
// subscriptions are already installed.
//
// Transport details live behind the Session, SessionFactory and
// ProvisioningService interfaces; see packages iothub and provisioning.
package connectivity
