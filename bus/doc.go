// Package bus carries fleet traffic between the supervisor, the relay and
// the bot workers.
//
// Three flows ride on it:
//
//   - dispatch: the relay publishes to bot-notifications:{identity} and the
//     worker holding that identity consumes
//   - heartbeat: workers publish liveness on heartbeat.{identity}
//   - provisioning: the provisioner talks to the account bridge with
//     request/reply on provision.conversation
//
// NATSBus is the production implementation. MemoryBus keeps the same
// subject semantics, including the * and > wildcards, for tests and
// single-process runs.
package bus
