package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/registry"
	"github.com/aegismesh/aegis/pkg/types"
)

func memBroker(t *testing.T) *broker.MemoryBroker {
	t.Helper()
	b := broker.NewMemoryBroker()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// answerRPC wires a minimal responder for one rpc subject.
func answerRPC(t *testing.T, b *broker.MemoryBroker, service, method string, fn func(req *types.RPCRequest) *types.RPCResponse) {
	t.Helper()
	subject := broker.RPCSubject(types.ServiceName(service), types.MethodName(method))
	sub, err := b.Subscribe(subject, service, func(msg broker.Message) {
		var req types.RPCRequest
		require.NoError(t, codec.Decode(msg.Data, &req))
		data, err := codec.Msgpack{}.Marshal(fn(&req))
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), msg.Reply, data))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestCallRPCRoundTrip(t *testing.T) {
	b := memBroker(t)
	answerRPC(t, b, "calc", "add", func(req *types.RPCRequest) *types.RPCResponse {
		return types.NewRPCResponse(req, map[string]any{"sum": 42, "echo": req.Params["a"]})
	})

	cl := New(b, Options{})
	resp, err := cl.CallRPC(context.Background(), "calc", "add",
		map[string]any{"a": 19, "b": 23}, time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.EqualValues(t, 42, resp.Result["sum"])
	assert.EqualValues(t, 19, resp.Result["echo"])
}

func TestCallRPCValidatesNames(t *testing.T) {
	cl := New(memBroker(t), Options{})

	_, err := cl.CallRPC(context.Background(), "", "ping", nil, time.Second)
	assert.True(t, errdefs.IsInvalid(err))

	_, err = cl.CallRPC(context.Background(), "calc", "no spaces", nil, time.Second)
	assert.True(t, errdefs.IsInvalid(err))
}

func TestCallRPCErrorResponseDoesNotTrip(t *testing.T) {
	b := memBroker(t)
	answerRPC(t, b, "calc", "div", func(req *types.RPCRequest) *types.RPCResponse {
		return types.NewRPCErrorResponse(req, "invalid", "division by zero")
	})

	cl := New(b, Options{BreakerFailures: 2})
	for i := 0; i < 5; i++ {
		resp, err := cl.CallRPC(context.Background(), "calc", "div", nil, time.Second)
		require.NoError(t, err)
		require.False(t, resp.Success)
		assert.Equal(t, "invalid", resp.Error.Code)
	}
}

func TestCallRPCBreakerOpensAndRecovers(t *testing.T) {
	b := memBroker(t)
	cl := New(b, Options{BreakerFailures: 3, BreakerCooldown: 200 * time.Millisecond})

	// No responders: every request fails the transport immediately.
	for i := 0; i < 3; i++ {
		_, err := cl.CallRPC(context.Background(), "ghost", "ping", nil, time.Second)
		require.Error(t, err)
		assert.True(t, errdefs.IsTimeout(err), "call %d should fail with no responders", i+1)
	}

	_, err := cl.CallRPC(context.Background(), "ghost", "ping", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Contains(t, err.Error(), "circuit")

	// A responder appears; after the cooldown the half-open probe closes
	// the circuit again.
	answerRPC(t, b, "ghost", "ping", func(req *types.RPCRequest) *types.RPCResponse {
		return types.NewRPCResponse(req, map[string]any{"pong": true})
	})
	time.Sleep(250 * time.Millisecond)

	resp, err := cl.CallRPC(context.Background(), "ghost", "ping", nil, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = cl.CallRPC(context.Background(), "ghost", "ping", nil, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestDiscover(t *testing.T) {
	b := memBroker(t)
	ctx := context.Background()

	bucket, err := b.KeyValue(ctx, broker.BucketConfig{Name: registry.BucketName, TTL: 30 * time.Second})
	require.NoError(t, err)
	store := kv.New(bucket, kv.Options{BucketTTL: 30 * time.Second})
	reg := registry.New(store, 30*time.Second)
	t.Cleanup(store.Close)

	for _, inst := range []*types.ServiceInstance{
		{ServiceName: "payments", InstanceID: "pay-1", Version: "1.0.0", Status: types.StatusActive},
		{ServiceName: "payments", InstanceID: "pay-2", Version: "1.0.0", Status: types.StatusStandby},
		{ServiceName: "media", InstanceID: "media-1", Version: "2.1.0", Status: types.StatusActive},
	} {
		require.NoError(t, reg.Register(ctx, inst))
	}

	cl := New(b, Options{})
	defer cl.Close()

	payments, err := cl.Discover(ctx, "payments")
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	all, err := cl.Discover(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := cl.Discover(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// consumeCommands stands in for a service runtime on the command queue.
func consumeCommands(t *testing.T, b *broker.MemoryBroker, service, command string, fn func(d *broker.Delivery, cmd *types.Command)) {
	t.Helper()
	queue, err := b.WorkQueue(broker.CommandStreamName)
	require.NoError(t, err)
	subject := broker.CommandSubject(types.ServiceName(service), command)
	handle, err := queue.Consume(subject, service+"-"+command, func(d *broker.Delivery) {
		var cmd types.Command
		require.NoError(t, codec.Decode(d.Data, &cmd))
		fn(d, &cmd)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Stop() })
}

func TestSendCommandTicket(t *testing.T) {
	b := memBroker(t)
	ctx := context.Background()
	mp := codec.Msgpack{}

	headers := make(chan broker.Header, 1)
	consumeCommands(t, b, "media", "transcode", func(d *broker.Delivery, cmd *types.Command) {
		headers <- d.Header

		prog, err := mp.Marshal(types.NewCommandProgress(cmd.MessageID, 50, "halfway"))
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, broker.ProgressSubject(cmd.MessageID), prog))

		res, err := mp.Marshal(types.NewCommandResult(cmd.MessageID, map[string]any{"frames": 512}))
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, broker.ResultSubject(cmd.MessageID), res))
		require.NoError(t, d.Ack())
	})

	cl := New(b, Options{})
	ticket, err := cl.SendCommand(ctx, "media", "transcode",
		map[string]any{"file": "intro.mp4"},
		SendOptions{Priority: types.PriorityHigh, TimeoutMS: 5000, MaxRetries: -1})
	require.NoError(t, err)
	defer ticket.Close()

	assert.Equal(t, types.PriorityHigh, ticket.Command().Priority)
	assert.Zero(t, ticket.Command().MaxRetries)
	assert.EqualValues(t, 5000, ticket.Command().TimeoutMS)

	select {
	case h := <-headers:
		assert.Equal(t, "high", h.Get("Priority"))
	case <-time.After(3 * time.Second):
		t.Fatal("command never reached the consumer")
	}

	select {
	case p := <-ticket.Progress():
		assert.EqualValues(t, 50, p.Percent)
		assert.Equal(t, "halfway", p.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("no progress update")
	}

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := ticket.Result(rctx)
	require.NoError(t, err)
	assert.Equal(t, types.CommandCompleted, res.Status)
	assert.EqualValues(t, 512, res.Result["frames"])

	// Cached after the first read.
	again, err := ticket.Result(context.Background())
	require.NoError(t, err)
	assert.Same(t, res, again)
}

func TestSendCommandValidation(t *testing.T) {
	cl := New(memBroker(t), Options{})
	ctx := context.Background()

	_, err := cl.SendCommand(ctx, "media", "transcode", nil, SendOptions{Priority: "urgent"})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = cl.SendCommand(ctx, "", "transcode", nil, SendOptions{})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = cl.SendCommand(ctx, "media", "bad command", nil, SendOptions{})
	assert.True(t, errdefs.IsInvalid(err))
}

func TestResultTimesOutWithoutServer(t *testing.T) {
	cl := New(memBroker(t), Options{})

	ticket, err := cl.SendCommand(context.Background(), "media", "transcode", nil, SendOptions{})
	require.NoError(t, err)
	defer ticket.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = ticket.Result(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))
}

func TestSubscribeEventObservers(t *testing.T) {
	b := memBroker(t)
	cl := New(b, Options{})

	_, err := cl.SubscribeEvent("orders..bad", func(*types.Event) {})
	assert.True(t, errdefs.IsInvalid(err))

	first := make(chan *types.Event, 1)
	second := make(chan *types.Event, 1)
	sub1, err := cl.SubscribeEvent("orders.>", func(ev *types.Event) { first <- ev })
	require.NoError(t, err)
	defer func() { _ = sub1.Unsubscribe() }()
	sub2, err := cl.SubscribeEvent("orders.*", func(ev *types.Event) { second <- ev })
	require.NoError(t, err)
	defer func() { _ = sub2.Unsubscribe() }()

	require.NoError(t, cl.PublishEvent(context.Background(), "orders.created",
		map[string]any{"id": "o-77"}, "test"))

	for name, ch := range map[string]chan *types.Event{"first": first, "second": second} {
		select {
		case ev := <-ch:
			assert.Equal(t, types.EventType("orders.created"), ev.EventType)
			assert.Equal(t, "orders", ev.Domain)
			assert.EqualValues(t, "o-77", ev.Payload["id"])
		case <-time.After(2 * time.Second):
			t.Fatalf("%s observer never saw the event", name)
		}
	}
}
