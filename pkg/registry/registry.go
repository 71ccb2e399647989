package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/log"
	"github.com/aegismesh/aegis/pkg/types"
)

const (
	// BucketName is the KV bucket holding all registry entries. The bucket
	// must be created with TTL equal to the registry TTL so that entries of
	// crashed instances age out without a sweeper.
	BucketName = "service_registry"

	// keyPrefix is the first token of every registry key.
	keyPrefix = "service-instances"

	// heartbeatRetries bounds CAS retries when heartbeats race an
	// update_instance on the same entry.
	heartbeatRetries = 3
)

// InstanceKey returns the KV key for one instance entry.
func InstanceKey(service types.ServiceName, instance types.InstanceID) string {
	return fmt.Sprintf("%s.%s.%s", keyPrefix, service, instance)
}

// ServicePrefix returns the key prefix shared by all instances of a service.
func ServicePrefix(service types.ServiceName) string {
	return fmt.Sprintf("%s.%s.", keyPrefix, service)
}

// Registry maintains the live set of ServiceInstance records in a TTL
// bucket. Every write refreshes the entry's TTL; an instance that stops
// heartbeating disappears on its own.
//
// Registry is safe for concurrent use. It remembers the last revision it
// wrote per key so that UpdateInstance can CAS without an extra read.
type Registry struct {
	store  *kv.Store
	ttl    time.Duration
	logger zerolog.Logger

	mu        sync.Mutex
	revisions map[string]uint64
}

// New wires a Registry over an existing store. ttl must match the TTL the
// store's bucket was created with.
func New(store *kv.Store, ttl time.Duration) *Registry {
	return &Registry{
		store:     store,
		ttl:       ttl,
		logger:    log.WithComponent("registry"),
		revisions: make(map[string]uint64),
	}
}

// Register writes a new instance entry. It fails with AlreadyExists when the
// (service, instance) pair is already registered and alive; the caller must
// pick a new instance id or deregister first.
func (r *Registry) Register(ctx context.Context, inst *types.ServiceInstance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = now
	}
	if inst.LastHeartbeat.IsZero() {
		inst.LastHeartbeat = now
	}

	key := InstanceKey(inst.ServiceName, inst.InstanceID)
	rev, err := r.store.PutValue(ctx, key, inst, kv.PutOptions{CreateOnly: true, TTL: r.ttl})
	if err != nil {
		return fmt.Errorf("failed to register %s/%s: %w", inst.ServiceName, inst.InstanceID, err)
	}
	r.remember(key, rev)

	r.logger.Info().
		Str("service", string(inst.ServiceName)).
		Str("instance", string(inst.InstanceID)).
		Str("status", string(inst.Status)).
		Msg("Instance registered")
	return nil
}

// UpdateInstance replaces the stored entry with inst using the last revision
// this Registry saw for the key. When the key was registered elsewhere the
// current revision is fetched first. The entry's TTL is refreshed.
func (r *Registry) UpdateInstance(ctx context.Context, inst *types.ServiceInstance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	key := InstanceKey(inst.ServiceName, inst.InstanceID)

	rev, ok := r.lastRevision(key)
	if !ok {
		entry, err := r.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", inst.ServiceName, inst.InstanceID, err)
		}
		if entry == nil {
			return fmt.Errorf("instance %s/%s is not registered: %w",
				inst.ServiceName, inst.InstanceID, errdefs.ErrNotFound)
		}
		rev = entry.Revision
	}

	newRev, err := r.store.PutValue(ctx, key, inst, kv.PutOptions{Revision: rev, TTL: r.ttl})
	if err != nil {
		if errdefs.IsRevisionMismatch(err) {
			r.forget(key)
		}
		return fmt.Errorf("failed to update %s/%s: %w", inst.ServiceName, inst.InstanceID, err)
	}
	r.remember(key, newRev)
	return nil
}

// Heartbeat bumps last_heartbeat to now and refreshes the entry's TTL. It
// fails with NotFound once the entry has expired; the caller must re-register.
// Races against UpdateInstance are retried up to three times.
func (r *Registry) Heartbeat(ctx context.Context, service types.ServiceName, instance types.InstanceID) error {
	key := InstanceKey(service, instance)
	err := kv.RetryOnRevisionMismatch(ctx, heartbeatRetries, func(ctx context.Context) error {
		var inst types.ServiceInstance
		entry, err := r.store.GetValue(ctx, key, &inst)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("instance %s/%s expired or never registered: %w",
				service, instance, errdefs.ErrNotFound)
		}
		if now := time.Now().UTC(); now.After(inst.LastHeartbeat) {
			inst.LastHeartbeat = now
		}
		rev, err := r.store.PutValue(ctx, key, &inst, kv.PutOptions{Revision: entry.Revision, TTL: r.ttl})
		if err != nil {
			return err
		}
		r.remember(key, rev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat failed for %s/%s: %w", service, instance, err)
	}
	return nil
}

// Deregister removes the entry unconditionally. Deregistering an unknown
// instance is not an error.
func (r *Registry) Deregister(ctx context.Context, service types.ServiceName, instance types.InstanceID) error {
	key := InstanceKey(service, instance)
	r.forget(key)
	if err := r.store.Purge(ctx, key); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to deregister %s/%s: %w", service, instance, err)
	}
	r.logger.Info().
		Str("service", string(service)).
		Str("instance", string(instance)).
		Msg("Instance deregistered")
	return nil
}

// GetInstance returns the stored entry, or (nil, nil) when it does not exist.
func (r *Registry) GetInstance(ctx context.Context, service types.ServiceName, instance types.InstanceID) (*types.ServiceInstance, error) {
	var inst types.ServiceInstance
	entry, err := r.store.GetValue(ctx, InstanceKey(service, instance), &inst)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return &inst, nil
}

// ListInstances returns the healthy instances of service, or of every service
// when service is empty. Entries whose heartbeat is older than the registry
// TTL are dropped client-side: bucket TTL enforcement lags the deadline, so
// the bucket may still hold entries the TTL contract says are gone.
func (r *Registry) ListInstances(ctx context.Context, service types.ServiceName) ([]*types.ServiceInstance, error) {
	prefix := keyPrefix + "."
	if service != "" {
		prefix = ServicePrefix(service)
	}
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	entries, err := r.store.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	now := time.Now().UTC()
	out := make([]*types.ServiceInstance, 0, len(entries))
	for _, key := range keys {
		entry, ok := entries[key]
		if !ok {
			// Expired between Keys and GetMany.
			continue
		}
		inst := new(types.ServiceInstance)
		if err := codec.Decode(entry.Value, inst); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable registry entry")
			continue
		}
		if !inst.IsHealthy(now, r.ttl) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

// CountActive reports how many healthy instances of service hold the ACTIVE
// role in group.
func (r *Registry) CountActive(ctx context.Context, service types.ServiceName, group string) (int, error) {
	instances, err := r.ListInstances(ctx, service)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range instances {
		if inst.StickyActiveGroup == group && inst.IsStickyActive() {
			n++
		}
	}
	return n, nil
}

func (r *Registry) remember(key string, rev uint64) {
	r.mu.Lock()
	r.revisions[key] = rev
	r.mu.Unlock()
}

func (r *Registry) forget(key string) {
	r.mu.Lock()
	delete(r.revisions, key)
	r.mu.Unlock()
}

func (r *Registry) lastRevision(key string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, ok := r.revisions[key]
	return rev, ok
}
