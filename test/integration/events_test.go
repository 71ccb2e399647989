package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/client"
	"github.com/aegismesh/aegis/pkg/service"
	"github.com/aegismesh/aegis/pkg/types"
	"github.com/aegismesh/aegis/test/framework"
)

// TestEventDomainSubscription tests that a wildcard subscription on one
// domain receives every event of that domain and nothing from others.
func TestEventDomainSubscription(t *testing.T) {
	// Skip if not running integration tests
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	bus := broker.NewMemoryBroker()
	require.NoError(t, bus.Connect(ctx))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	cl := client.New(bus, client.Options{})
	t.Cleanup(cl.Close)

	t.Log("Step 1: subscribing to order.*")
	recv := make(chan *types.Event, 8)
	sub, err := cl.SubscribeEvent("order.*", func(ev *types.Event) {
		recv <- ev
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	t.Log("Step 2: publishing order and trade events")
	require.NoError(t, cl.PublishEvent(ctx, "order.created",
		map[string]any{"order_id": "ord-1", "amount": 1250}, "order-service"))
	require.NoError(t, cl.PublishEvent(ctx, "trade.executed",
		map[string]any{"trade_id": "trd-9"}, "trade-service"))
	require.NoError(t, cl.PublishEvent(ctx, "order.cancelled",
		map[string]any{"order_id": "ord-1"}, "order-service"))

	t.Log("Step 3: collecting the matching events")
	got := make(map[types.EventType]*types.Event)
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-recv:
			got[ev.EventType] = ev
		case <-deadline:
			t.Fatalf("Timeout, received %d of 2 events", len(got))
		}
	}

	created := got[types.EventType("order.created")]
	require.NotNil(t, created, "order.created never arrived")
	assert.Equal(t, "order", created.Domain)
	assert.Equal(t, "order-service", created.Source)
	assert.EqualValues(t, "ord-1", created.Payload["order_id"])
	assert.EqualValues(t, 1250, created.Payload["amount"])
	assert.NotEmpty(t, created.MessageID)

	cancelled := got[types.EventType("order.cancelled")]
	require.NotNil(t, cancelled, "order.cancelled never arrived")
	assert.Equal(t, "order", cancelled.Domain)

	// The trade event must never cross the domain boundary.
	select {
	case ev := <-recv:
		t.Fatalf("Unexpected extra event %s", ev.EventType)
	case <-time.After(300 * time.Millisecond):
	}

	t.Log("✓ order.* saw both order events and no trade traffic")
}

// TestEventFanOutToServices tests that runtime event handlers and plain
// client subscribers both observe a published event.
func TestEventFanOutToServices(t *testing.T) {
	// Skip if not running integration tests
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	audit := make(chan *types.Event, 4)
	cfg := framework.ClusterConfig{
		Service:    "audit",
		Contenders: 1,
		Configure: func(i int, rt *service.Runtime) error {
			return rt.RegisterEvent("order.*", func(ctx context.Context, ev *types.Event) error {
				audit <- ev
				return nil
			})
		},
	}
	cluster, err := framework.NewCluster(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { cluster.Stop(context.Background()) })

	t.Log("Step 1: starting the audit service")
	require.NoError(t, cluster.Start(ctx))

	cl := client.New(cluster.Bus, client.Options{})
	t.Cleanup(cl.Close)

	observer := make(chan *types.Event, 4)
	sub, err := cl.SubscribeEvent("order.created", func(ev *types.Event) {
		observer <- ev
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	t.Log("Step 2: publishing one order event")
	require.NoError(t, cl.PublishEvent(ctx, "order.created",
		map[string]any{"order_id": "ord-7"}, "checkout"))

	t.Log("Step 3: both consumers observe it")
	for name, ch := range map[string]chan *types.Event{"service handler": audit, "client observer": observer} {
		select {
		case ev := <-ch:
			assert.Equal(t, types.EventType("order.created"), ev.EventType)
			assert.EqualValues(t, "ord-7", ev.Payload["order_id"])
		case <-time.After(3 * time.Second):
			t.Fatalf("Timeout waiting for the %s", name)
		}
	}

	t.Log("✓ one publish reached the service handler and the observer")
}
