package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/config"
	"github.com/aegismesh/aegis/pkg/election"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/registry"
	"github.com/aegismesh/aegis/pkg/types"
)

func testConfig(service string) *config.Config {
	return &config.Config{
		BrokerURL:                "memory://",
		ServiceName:              service,
		RegistryTTLSeconds:       2,
		HeartbeatIntervalSeconds: 1,
		DrainTimeoutSeconds:      1,
		FailoverMode:             config.FailoverAggressive,
		Serialization:            codec.NameMsgpack,
	}
}

func sharedBroker(t *testing.T) *broker.MemoryBroker {
	t.Helper()
	b := broker.NewMemoryBroker()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func newRuntime(t *testing.T, b broker.Broker, cfg *config.Config, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(cfg, append([]Option{WithBroker(b)}, opts...)...)
	require.NoError(t, err)
	return rt
}

func callRPC(t *testing.T, b broker.Broker, service, method string, params map[string]any, timeout time.Duration) *types.RPCResponse {
	t.Helper()
	req := types.NewRPCRequest(types.MethodName(method), params, timeout)
	data, err := codec.Msgpack{}.Marshal(req)
	require.NoError(t, err)

	// The transport waits out the handler budget plus slack, so a timeout
	// response still makes it back.
	subject := broker.RPCSubject(types.ServiceName(service), types.MethodName(method))
	raw, err := b.Request(context.Background(), subject, data, timeout+2*time.Second)
	require.NoError(t, err)

	var resp types.RPCResponse
	require.NoError(t, codec.Decode(raw, &resp))
	return &resp
}

// registryView opens an independent read path into the registry bucket.
func registryView(t *testing.T, b broker.Broker, cfg *config.Config) *registry.Registry {
	t.Helper()
	bucket, err := b.KeyValue(context.Background(), broker.BucketConfig{
		Name: registry.BucketName,
		TTL:  cfg.RegistryTTL(),
	})
	require.NoError(t, err)
	store := kv.New(bucket, kv.Options{BucketTTL: cfg.RegistryTTL()})
	t.Cleanup(store.Close)
	return registry.New(store, cfg.RegistryTTL())
}

func TestRuntimeStartStop(t *testing.T) {
	b := sharedBroker(t)
	ctx := context.Background()

	actions := make(chan string, 16)
	sub, err := b.Subscribe("events.aegis.service.>", "", func(msg broker.Message) {
		parts := strings.Split(msg.Subject, ".")
		actions <- parts[len(parts)-1]
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	cfg := testConfig("billing")
	rt := newRuntime(t, b, cfg)
	require.NoError(t, rt.RegisterRPC("ping", func(ctx context.Context, req *types.RPCRequest) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	}))

	require.NoError(t, rt.Start(ctx))
	// Idempotent.
	require.NoError(t, rt.Start(ctx))

	inst, err := rt.Registry().GetInstance(ctx, rt.ServiceName(), rt.InstanceID())
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, types.StatusActive, inst.Status)
	assert.True(t, rt.IsActive())

	resp := callRPC(t, b, "billing", "ping", nil, 2*time.Second)
	assert.True(t, resp.Success)
	assert.EqualValues(t, true, resp.Result["pong"])

	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, rt.Stop(ctx))

	gone, err := registryView(t, b, cfg).GetInstance(ctx, rt.ServiceName(), rt.InstanceID())
	require.NoError(t, err)
	assert.Nil(t, gone)

	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case a := <-actions:
			seen = append(seen, a)
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle events, saw %v", seen)
		}
	}
	assert.Equal(t, "started", seen[0])
	assert.Equal(t, "stopped", seen[len(seen)-1])

	err = rt.Start(ctx)
	assert.True(t, errdefs.IsClosed(err))
}

func TestRuntimeRegistrationFrozenAfterStart(t *testing.T) {
	b := sharedBroker(t)
	rt := newRuntime(t, b, testConfig("frozen"))
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	err := rt.RegisterRPC("late", func(context.Context, *types.RPCRequest) (map[string]any, error) { return nil, nil })
	assert.True(t, errdefs.IsInvalid(err))

	err = rt.RegisterEvent("late.>", func(context.Context, *types.Event) error { return nil })
	assert.True(t, errdefs.IsInvalid(err))

	err = rt.RegisterCommand("late", func(context.Context, *types.Command, ProgressFunc) (map[string]any, error) { return nil, nil })
	assert.True(t, errdefs.IsInvalid(err))
}

func TestRuntimeExclusiveRPC(t *testing.T) {
	b := sharedBroker(t)
	ctx := context.Background()

	// Another instance already holds the group before this runtime starts.
	policy := config.PolicyForMode(config.FailoverAggressive)
	bucket, err := b.KeyValue(ctx, broker.BucketConfig{Name: election.BucketName, TTL: policy.LeaderTTL})
	require.NoError(t, err)
	store := kv.New(bucket, kv.Options{BucketTTL: policy.LeaderTTL})
	t.Cleanup(store.Close)

	key := election.LeaderKey("payments", "processors")
	holder := types.LeaderInfo{InstanceID: "incumbent", AcquiredAt: time.Now().UTC()}
	_, err = store.PutValue(ctx, key, &holder, kv.PutOptions{CreateOnly: true, TTL: policy.LeaderTTL})
	require.NoError(t, err)

	cfg := testConfig("payments")
	cfg.Group = "processors"
	rt := newRuntime(t, b, cfg)
	require.NoError(t, rt.RegisterRPC("promote", func(context.Context, *types.RPCRequest) (map[string]any, error) {
		return map[string]any{"promoted": true}, nil
	}, WithExclusive()))
	require.NoError(t, rt.RegisterRPC("peek", func(context.Context, *types.RPCRequest) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	require.False(t, rt.IsActive())

	resp := callRPC(t, b, "payments", "promote", nil, 2*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, "NOT_ACTIVE", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "STANDBY")

	// Non-exclusive methods answer from standbys.
	resp = callRPC(t, b, "payments", "peek", nil, 2*time.Second)
	assert.True(t, resp.Success)

	// The incumbent leaves; this instance takes over and serves.
	require.NoError(t, store.Purge(ctx, key))
	require.Eventually(t, rt.IsActive, 5*time.Second, 50*time.Millisecond)

	resp = callRPC(t, b, "payments", "promote", nil, 2*time.Second)
	require.True(t, resp.Success)
	assert.EqualValues(t, true, resp.Result["promoted"])

	require.Eventually(t, func() bool {
		inst, err := rt.Registry().GetInstance(ctx, rt.ServiceName(), rt.InstanceID())
		return err == nil && inst != nil && inst.IsStickyActive()
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRuntimeEventDelivery(t *testing.T) {
	b := sharedBroker(t)
	ctx := context.Background()

	received := make(chan *types.Event, 4)
	consumer := newRuntime(t, b, testConfig("analytics"))
	require.NoError(t, consumer.RegisterEvent("payments.>", func(ctx context.Context, ev *types.Event) error {
		received <- ev
		return nil
	}))
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })

	producer := newRuntime(t, b, testConfig("payments"))
	require.NoError(t, producer.Start(ctx))
	t.Cleanup(func() { _ = producer.Stop(context.Background()) })

	require.NoError(t, producer.PublishEvent(ctx, "payments.invoice.paid", map[string]any{"amount": 42}))

	select {
	case ev := <-received:
		assert.Equal(t, "payments.invoice.paid", ev.EventType.String())
		assert.Equal(t, "payments", ev.Domain)
		assert.Equal(t, producer.InstanceID().String(), ev.Source)
		assert.EqualValues(t, 42, ev.Payload["amount"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Events outside the pattern stay out.
	require.NoError(t, producer.PublishEvent(ctx, "orders.created", map[string]any{"id": 1}))
	select {
	case ev := <-received:
		t.Fatalf("unexpected event %s", ev.EventType)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRuntimeOutageRecovery(t *testing.T) {
	b := sharedBroker(t)
	ctx := context.Background()

	cfg := testConfig("inventory")
	rt := newRuntime(t, b, cfg)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	require.Equal(t, "ready", rt.Health().GetReadiness().Status)

	b.SetOffline(true)
	require.Eventually(t, func() bool {
		return rt.Health().GetReadiness().Status == "not_ready"
	}, 8*time.Second, 100*time.Millisecond, "three failed heartbeats should degrade the instance")

	b.SetOffline(false)
	require.Eventually(t, func() bool {
		inst, err := rt.Registry().GetInstance(ctx, rt.ServiceName(), rt.InstanceID())
		return err == nil && inst != nil && inst.Status == types.StatusActive
	}, 8*time.Second, 100*time.Millisecond, "recovered heartbeats should re-register the instance")

	assert.Equal(t, "ready", rt.Health().GetReadiness().Status)
}

func TestRuntimeHeartbeatKeepsEntryAlive(t *testing.T) {
	b := sharedBroker(t)
	ctx := context.Background()

	cfg := testConfig("catalog")
	rt := newRuntime(t, b, cfg)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	// Outlive the registry TTL twice over; heartbeats must keep the entry
	// fresh the whole time.
	time.Sleep(2 * cfg.RegistryTTL())

	inst, err := rt.Registry().GetInstance(ctx, rt.ServiceName(), rt.InstanceID())
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.True(t, inst.IsHealthy(time.Now().UTC(), cfg.RegistryTTL()))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errdefs.IsConfig(err))

	bad := testConfig("broken")
	bad.HeartbeatIntervalSeconds = 5 // above the registry TTL
	_, err = New(bad)
	assert.True(t, errdefs.IsConfig(err))

	cfg := testConfig("fine")
	rt, err := New(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, rt.InstanceID().String(), "empty instance id should be defaulted")
	assert.Equal(t, "", cfg.InstanceID, "caller's config must not be mutated")
}

func TestRPCErrorMapping(t *testing.T) {
	b := sharedBroker(t)
	rt := newRuntime(t, b, testConfig("ledger"))

	require.NoError(t, rt.RegisterRPC("plain_error", func(context.Context, *types.RPCRequest) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, rt.RegisterRPC("typed_error", func(context.Context, *types.RPCRequest) (map[string]any, error) {
		return nil, fmt.Errorf("no such account: %w", errdefs.ErrNotFound)
	}))
	require.NoError(t, rt.RegisterRPC("panicky", func(context.Context, *types.RPCRequest) (map[string]any, error) {
		panic("bad day")
	}))
	require.NoError(t, rt.RegisterRPC("slow", func(ctx context.Context, _ *types.RPCRequest) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	resp := callRPC(t, b, "ledger", "plain_error", nil, 2*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, "internal", resp.Error.Code)
	assert.Equal(t, "boom", resp.Error.Message)

	resp = callRPC(t, b, "ledger", "typed_error", nil, 2*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.Error.Code)

	resp = callRPC(t, b, "ledger", "panicky", nil, 2*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, "handler_error", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "panicked")

	// The request's own 300ms budget expires inside the handler.
	resp = callRPC(t, b, "ledger", "slow", nil, 300*time.Millisecond)
	require.False(t, resp.Success)
	assert.Equal(t, "timeout", resp.Error.Code)
}
