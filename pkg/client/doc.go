// Package client is the caller side of the aegis messaging patterns.
//
// A Client wraps an existing broker connection and exposes request/response
// RPC guarded by per-service circuit breakers, fire-and-forget event
// publishing, observer event subscriptions, durable command dispatch with
// progress tickets, and service discovery against the registry:
//
//	cl := client.New(b, client.Options{})
//	resp, err := cl.CallRPC(ctx, "payments", "charge",
//		map[string]any{"amount": 100}, 2*time.Second)
//
//	ticket, err := cl.SendCommand(ctx, "media", "transcode",
//		map[string]any{"file": "intro.mp4"}, client.SendOptions{})
//	res, err := ticket.Result(ctx)
//
// The circuit breaker opens a service after consecutive transport failures
// and probes it again after a cooldown; application-level error responses
// pass through to the caller without tripping it.
package client
