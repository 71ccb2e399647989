package framework

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/errdefs"
)

// KillableBroker is a per-instance facade over a shared in-process broker
// that can be severed abruptly, simulating a crashed process. After Kill
// every operation through the facade fails with ErrNotConnected, pub/sub
// handlers registered through it stop firing, and work-queue deliveries
// routed to it are released back to surviving members of the durable.
//
// Streams established before the kill keep flowing underneath, but the
// dead instance cannot act on them: its renewals, heartbeats, and writes
// all fail, so its leadership and registration decay by TTL exactly as a
// real crash would leave them.
type KillableBroker struct {
	inner broker.Broker
	dead  atomic.Bool
}

// NewKillableBroker wraps inner in a killable facade.
func NewKillableBroker(inner broker.Broker) *KillableBroker {
	return &KillableBroker{inner: inner}
}

// Kill severs the facade. Idempotent; there is no resurrection.
func (k *KillableBroker) Kill() { k.dead.Store(true) }

// Alive reports whether the facade is still usable.
func (k *KillableBroker) Alive() bool { return !k.dead.Load() }

func (k *KillableBroker) guard() error {
	if k.dead.Load() {
		return fmt.Errorf("instance killed: %w", errdefs.ErrNotConnected)
	}
	return nil
}

// Connect delegates to the shared broker.
func (k *KillableBroker) Connect(ctx context.Context) error {
	if err := k.guard(); err != nil {
		return err
	}
	return k.inner.Connect(ctx)
}

// Close is a no-op. The facade does not own the shared broker; the
// cluster closes it once after every member has stopped.
func (k *KillableBroker) Close(ctx context.Context) error { return nil }

// IsConnected reports the shared broker's state, false once killed.
func (k *KillableBroker) IsConnected() bool {
	return !k.dead.Load() && k.inner.IsConnected()
}

// Publish sends on the shared broker while the facade is alive.
func (k *KillableBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := k.guard(); err != nil {
		return err
	}
	return k.inner.Publish(ctx, subject, data)
}

// Request round-trips on the shared broker while the facade is alive.
func (k *KillableBroker) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	return k.inner.Request(ctx, subject, data, timeout)
}

// Subscribe registers handler on the shared broker but mutes it once the
// facade is killed. Messages routed to a muted queue-group member are
// dropped, which matches what a dead process would have received.
func (k *KillableBroker) Subscribe(subject, queueGroup string, handler broker.Handler) (broker.Subscription, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	return k.inner.Subscribe(subject, queueGroup, func(msg broker.Message) {
		if k.dead.Load() {
			return
		}
		handler(msg)
	})
}

// WorkQueue returns the shared queue behind a facade that releases
// deliveries arriving after the kill.
func (k *KillableBroker) WorkQueue(name string) (broker.WorkQueue, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	q, err := k.inner.WorkQueue(name)
	if err != nil {
		return nil, err
	}
	return &killableQueue{k: k, inner: q}, nil
}

// KeyValue returns the shared bucket behind a facade that fails every
// operation after the kill.
func (k *KillableBroker) KeyValue(ctx context.Context, cfg broker.BucketConfig) (broker.KeyValue, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	bucket, err := k.inner.KeyValue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &killableKV{k: k, inner: bucket}, nil
}

type killableQueue struct {
	k     *KillableBroker
	inner broker.WorkQueue
}

func (q *killableQueue) Publish(ctx context.Context, subject string, data []byte, header broker.Header) error {
	if err := q.k.guard(); err != nil {
		return err
	}
	return q.inner.Publish(ctx, subject, data, header)
}

// Consume nacks deliveries that arrive after the kill so the queue hands
// them to surviving members of the durable right away instead of waiting
// out the ack timeout, mirroring how a broker reacts to a dropped
// consumer connection.
func (q *killableQueue) Consume(subject, durable string, fn func(*broker.Delivery), opts ...broker.ConsumeOption) (broker.ConsumerHandle, error) {
	if err := q.k.guard(); err != nil {
		return nil, err
	}
	return q.inner.Consume(subject, durable, func(d *broker.Delivery) {
		if q.k.dead.Load() {
			_ = d.Nak(0)
			return
		}
		fn(d)
	}, opts...)
}

type killableKV struct {
	k     *KillableBroker
	inner broker.KeyValue
}

func (s *killableKV) Bucket() string { return s.inner.Bucket() }

func (s *killableKV) Get(ctx context.Context, key string) (*broker.KVEntry, error) {
	if err := s.k.guard(); err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, key)
}

func (s *killableKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.k.guard(); err != nil {
		return 0, err
	}
	return s.inner.Put(ctx, key, value)
}

func (s *killableKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.k.guard(); err != nil {
		return 0, err
	}
	return s.inner.Create(ctx, key, value)
}

func (s *killableKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := s.k.guard(); err != nil {
		return 0, err
	}
	return s.inner.Update(ctx, key, value, revision)
}

func (s *killableKV) Delete(ctx context.Context, key string, revision uint64) error {
	if err := s.k.guard(); err != nil {
		return err
	}
	return s.inner.Delete(ctx, key, revision)
}

func (s *killableKV) Purge(ctx context.Context, key string) error {
	if err := s.k.guard(); err != nil {
		return err
	}
	return s.inner.Purge(ctx, key)
}

func (s *killableKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.k.guard(); err != nil {
		return nil, err
	}
	return s.inner.Keys(ctx, prefix)
}

func (s *killableKV) History(ctx context.Context, key string, limit int) ([]*broker.KVEntry, error) {
	if err := s.k.guard(); err != nil {
		return nil, err
	}
	return s.inner.History(ctx, key, limit)
}

func (s *killableKV) Watch(ctx context.Context, pattern string) (<-chan broker.KVEntry, error) {
	if err := s.k.guard(); err != nil {
		return nil, err
	}
	return s.inner.Watch(ctx, pattern)
}

// SetKeyTTL forwards to the shared bucket when it supports per-key TTLs.
func (s *killableKV) SetKeyTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.k.guard(); err != nil {
		return err
	}
	setter, ok := s.inner.(broker.KeyTTLSetter)
	if !ok {
		return fmt.Errorf("bucket %s cannot bound a single key's ttl: %w", s.inner.Bucket(), errdefs.ErrUnsupported)
	}
	return setter.SetKeyTTL(ctx, key, ttl)
}

// EmitsExpired mirrors the shared bucket so stores layered on the facade
// do not start a second expiry scanner over a backend that already emits
// expiry events.
func (s *killableKV) EmitsExpired() bool {
	emitter, ok := s.inner.(broker.ExpiryEmitter)
	return ok && emitter.EmitsExpired()
}
