package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/types"
)

const testTTL = 30 * time.Second

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	b := broker.NewMemoryBroker()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	bucket, err := b.KeyValue(context.Background(), broker.BucketConfig{Name: BucketName, TTL: ttl})
	require.NoError(t, err)

	store := kv.New(bucket, kv.Options{BucketTTL: ttl})
	t.Cleanup(store.Close)
	return New(store, ttl)
}

func testInstance(service, instance string) *types.ServiceInstance {
	return &types.ServiceInstance{
		ServiceName: types.ServiceName(service),
		InstanceID:  types.InstanceID(instance),
		Version:     "1.0.0",
		Status:      types.StatusActive,
	}
}

// TestRegisterAndGet tests the register/get round trip and timestamp stamping
func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	inst := testInstance("orders", "orders-1")
	require.NoError(t, r.Register(ctx, inst))
	assert.False(t, inst.RegisteredAt.IsZero())
	assert.False(t, inst.LastHeartbeat.IsZero())

	got, err := r.GetInstance(ctx, "orders", "orders-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.ServiceName("orders"), got.ServiceName)
	assert.Equal(t, types.InstanceID("orders-1"), got.InstanceID)
	assert.Equal(t, "1.0.0", got.Version)

	missing, err := r.GetInstance(ctx, "orders", "orders-9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// TestRegisterDuplicate tests that colliding instance ids are rejected
func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-1")))

	err := r.Register(ctx, testInstance("orders", "orders-1"))
	require.Error(t, err)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

// TestRegisterInvalid tests that validation runs before any write
func TestRegisterInvalid(t *testing.T) {
	r := newTestRegistry(t, testTTL)

	inst := testInstance("orders", "orders-1")
	inst.Status = "depleted"
	err := r.Register(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalid(err))
}

// TestUpdateInstance tests CAS updates with the remembered revision
func TestUpdateInstance(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	inst := testInstance("orders", "orders-1")
	require.NoError(t, r.Register(ctx, inst))

	inst.Status = types.StatusStandby
	inst.Metadata = map[string]any{"zone": "b"}
	require.NoError(t, r.UpdateInstance(ctx, inst))

	got, err := r.GetInstance(ctx, "orders", "orders-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.StatusStandby, got.Status)
	assert.Equal(t, "b", got.Metadata["zone"])
}

// TestUpdateInstanceUnknownRevision tests the read-then-CAS fallback used when
// another Registry object performed the registration
func TestUpdateInstanceUnknownRevision(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	inst := testInstance("orders", "orders-1")
	require.NoError(t, r.Register(ctx, inst))

	// Fresh Registry over the same store: no remembered revisions.
	other := New(r.store, testTTL)
	inst.Version = "1.0.1"
	require.NoError(t, other.UpdateInstance(ctx, inst))

	got, err := r.GetInstance(ctx, "orders", "orders-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.0.1", got.Version)
}

// TestUpdateInstanceNotRegistered tests that updating a missing entry fails
func TestUpdateInstanceNotRegistered(t *testing.T) {
	r := newTestRegistry(t, testTTL)

	err := r.UpdateInstance(context.Background(), testInstance("orders", "ghost"))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestHeartbeat tests that heartbeats advance last_heartbeat monotonically
func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	inst := testInstance("orders", "orders-1")
	require.NoError(t, r.Register(ctx, inst))
	first := inst.LastHeartbeat

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, "orders", "orders-1"))

	got, err := r.GetInstance(ctx, "orders", "orders-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.LastHeartbeat.After(first), "heartbeat should move last_heartbeat forward")
}

// TestHeartbeatExpired tests that heartbeating a vanished entry reports NotFound
func TestHeartbeatExpired(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-1")))

	// Reads do not refresh the TTL, so probing with GetInstance lets the
	// entry age out.
	require.Eventually(t, func() bool {
		got, err := r.GetInstance(ctx, "orders", "orders-1")
		return err == nil && got == nil
	}, 2*time.Second, 20*time.Millisecond, "entry should expire without heartbeats")

	err := r.Heartbeat(ctx, "orders", "orders-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestHeartbeatAfterExternalUpdate tests that heartbeats re-read the entry
// instead of trusting a remembered revision that another writer invalidated
func TestHeartbeatAfterExternalUpdate(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	inst := testInstance("orders", "orders-1")
	require.NoError(t, r.Register(ctx, inst))

	other := New(r.store, testTTL)
	inst.Metadata = map[string]any{"touch": 1}
	require.NoError(t, other.UpdateInstance(ctx, inst))

	require.NoError(t, r.Heartbeat(ctx, "orders", "orders-1"))

	got, err := r.GetInstance(ctx, "orders", "orders-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, got.Metadata, "touch", "external update must survive the heartbeat rewrite")
}

// TestDeregister tests unconditional removal, including of unknown instances
func TestDeregister(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-1")))
	require.NoError(t, r.Deregister(ctx, "orders", "orders-1"))

	got, err := r.GetInstance(ctx, "orders", "orders-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, r.Deregister(ctx, "orders", "never-there"))
}

// TestListInstances tests name filtering, health filtering, and ordering
func TestListInstances(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-2")))
	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-1")))
	require.NoError(t, r.Register(ctx, testInstance("billing", "billing-1")))

	stale := testInstance("orders", "orders-3")
	stale.LastHeartbeat = time.Now().UTC().Add(-2 * testTTL)
	require.NoError(t, r.Register(ctx, stale))

	down := testInstance("orders", "orders-4")
	require.NoError(t, r.Register(ctx, down))
	down.Status = types.StatusUnhealthy
	require.NoError(t, r.UpdateInstance(ctx, down))

	orders, err := r.ListInstances(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, types.InstanceID("orders-1"), orders[0].InstanceID)
	assert.Equal(t, types.InstanceID("orders-2"), orders[1].InstanceID)

	all, err := r.ListInstances(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.ServiceName("billing"), all[0].ServiceName)
}

// TestCountActive tests counting ACTIVE holders within a group
func TestCountActive(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	active := testInstance("orders", "orders-1")
	active.StickyActiveGroup = "shard-0"
	active.StickyActiveStatus = types.StickyStatusPtr(types.StickyActive)
	require.NoError(t, r.Register(ctx, active))

	standby := testInstance("orders", "orders-2")
	standby.StickyActiveGroup = "shard-0"
	standby.StickyActiveStatus = types.StickyStatusPtr(types.StickyStandby)
	require.NoError(t, r.Register(ctx, standby))

	n, err := r.CountActive(ctx, "orders", "shard-0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.CountActive(ctx, "orders", "shard-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestWatch tests the added/updated/removed event sequence
func TestWatch(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	existing := testInstance("orders", "orders-1")
	require.NoError(t, r.Register(ctx, existing))

	w, err := r.Watch(ctx, "orders")
	require.NoError(t, err)
	defer w.Stop()

	next := func() Event {
		t.Helper()
		nctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		ev, err := w.Next(nctx)
		require.NoError(t, err)
		return ev
	}

	ev := next()
	assert.Equal(t, EventAdded, ev.Type)
	assert.Equal(t, types.InstanceID("orders-1"), ev.Instance.InstanceID)

	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-2")))
	ev = next()
	assert.Equal(t, EventAdded, ev.Type)
	assert.Equal(t, types.InstanceID("orders-2"), ev.Instance.InstanceID)

	existing.Version = "1.0.1"
	require.NoError(t, r.UpdateInstance(ctx, existing))
	ev = next()
	assert.Equal(t, EventUpdated, ev.Type)
	assert.Equal(t, "1.0.1", ev.Instance.Version)

	require.NoError(t, r.Deregister(ctx, "orders", "orders-2"))
	ev = next()
	assert.Equal(t, EventRemoved, ev.Type)
	assert.Equal(t, types.ServiceName("orders"), ev.Service)
	require.NotNil(t, ev.Instance, "removed events carry the last seen snapshot")
	assert.Equal(t, types.InstanceID("orders-2"), ev.Instance.InstanceID)
}

// TestWatchScopedToService tests that a service watch ignores other services
func TestWatchScopedToService(t *testing.T) {
	r := newTestRegistry(t, testTTL)
	ctx := context.Background()

	w, err := r.Watch(ctx, "orders")
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, r.Register(ctx, testInstance("billing", "billing-1")))
	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-1")))

	nctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := w.Next(nctx)
	require.NoError(t, err)
	assert.Equal(t, EventAdded, ev.Type)
	assert.Equal(t, types.ServiceName("orders"), ev.Instance.ServiceName)
}

// TestWatchExpiry tests that TTL expiry surfaces as a removed event
func TestWatchExpiry(t *testing.T) {
	r := newTestRegistry(t, 80*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testInstance("orders", "orders-1")))

	w, err := r.Watch(ctx, "orders")
	require.NoError(t, err)
	defer w.Stop()

	nctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := w.Next(nctx)
	require.NoError(t, err)
	require.Equal(t, EventAdded, ev.Type)

	ev, err = w.Next(nctx)
	require.NoError(t, err)
	assert.Equal(t, EventRemoved, ev.Type)
	require.NotNil(t, ev.Instance)
	assert.Equal(t, types.InstanceID("orders-1"), ev.Instance.InstanceID)
}
