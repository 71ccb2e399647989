// Package registry tracks which service instances are alive.
//
// Each instance writes one entry to the service_registry bucket under
// service-instances.<service>.<instance> and refreshes it with
// heartbeats. The bucket TTL reaps entries whose process died without
// deregistering, so liveness never depends on a clean shutdown. Reads
// filter by the same TTL client-side, which keeps a stale-but-unreaped
// entry from being reported live.
//
// Register is idempotent for the same (service, instance) pair and
// heartbeats go through compare-and-swap with a bounded retry, so
// concurrent status updates and heartbeats never lose writes. Watch
// streams added/updated/removed events, replaying the current entries
// as added first; removal is synthesized from key deletion or expiry.
package registry
