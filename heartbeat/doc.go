// Package heartbeat carries worker liveness beacons over the message bus.
//
// A worker runs a BusSender that publishes a Heartbeat on heartbeat.{identity}
// at a fixed interval. The coordinator runs a BusMonitor that remembers the
// last beacon of every identity. A worker counts as hung once its process has
// been heard from at least once and then stays silent past the timeout; a
// worker that never sent a beacon is never reported, so workers without a
// sender are judged by process liveness alone.
package heartbeat
