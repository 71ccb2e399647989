/*
Package broker is the message transport every other aegis component rides on.

The broker package defines the transport interface and ships two
implementations: a NATS-backed broker for production (core NATS for
pub/sub and request/reply, JetStream for work queues and key-value
buckets) and a dependency-free in-memory broker with the same semantics
for tests and single-process setups.

# Architecture

One Broker value multiplexes four messaging primitives over a single
connection:

	┌──────────────────────── BROKER ─────────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────┐            │
	│  │            Connection                    │            │
	│  │  - nats:// or memory:// URL              │            │
	│  │  - Reconnect with backoff                │            │
	│  │  - OnDisconnect / OnReconnect hooks      │            │
	│  └───────┬─────────┬──────────┬────────────┘            │
	│          │         │          │                           │
	│  ┌───────▼──┐ ┌────▼─────┐ ┌──▼──────────┐              │
	│  │ Pub/Sub  │ │ Request/ │ │ Work Queues │              │
	│  │ wildcard │ │ Reply    │ │ ack/nak/term│              │
	│  │ subjects │ │ 1 reply  │ │ redelivery  │              │
	│  └──────────┘ └──────────┘ │ dead letter │              │
	│                            └─────────────┘              │
	│  ┌─────────────────────────────────────────┐            │
	│  │        Key-Value Buckets                 │            │
	│  │  - revisioned Put/Get/Delete             │            │
	│  │  - Create (exactly-one-wins)             │            │
	│  │  - Update (compare-and-swap)             │            │
	│  │  - TTL expiry + watch streams            │            │
	│  └─────────────────────────────────────────┘            │
	│  ┌─────────────────────────────────────────┐            │
	│  │        Publish Outbox (bbolt)            │            │
	│  │  - buffers publishes while offline       │            │
	│  │  - drains in order after reconnect       │            │
	│  └─────────────────────────────────────────┘            │
	└───────────────────────────────────────────────────────┘

# Subjects

Subjects are dot-separated hierarchies. Subscriptions may use the two
NATS wildcards: * matches exactly one token, > matches one or more
trailing tokens. The grammar helpers build the well-known subjects:

  - rpc.<service>.<method>         request/reply calls
  - events.<domain>.<rest>         fire-and-forget notifications
  - commands.<service>.<command>   durable work queue traffic
  - commands.progress.<id>         per-command progress stream
  - commands.result.<id>           per-command terminal result
  - commands.dlq.<service>         dead letters after retry exhaustion

ValidSubject and ValidPattern reject empty tokens, embedded whitespace
and misplaced wildcards before anything touches the wire.

# Delivery semantics

Plain subscriptions are at-most-once: a slow subscriber's buffer
overflowing drops messages rather than blocking the publisher. Queue
groups load-balance: each message goes to exactly one member of the
group. Work queues are at-least-once: a delivery stays owned by its
consumer until Ack, Nak (redeliver, optionally after a delay) or Term
(drop to the dead-letter subject); unanswered deliveries redeliver
after the ack-wait. Handlers must tolerate duplicates.

# Key-value buckets

Buckets are named maps with per-key revision counters. Create fails
with errdefs.ErrAlreadyExists when the key exists, Update fails with
errdefs.ErrRevisionMismatch unless the expected revision matches; these
two operations carry the registry and leader election. A bucket TTL
expires unrenewed keys. Watch streams carry put, delete and, on
backends that support it, expired entries; the kv package layers a
scanner on top for backends that prune silently.

# Disconnect behavior

The DisconnectPolicy selects what Publish does while the connection is
down: FailFast returns errdefs.ErrNotConnected immediately, BufferPolicy
appends to a bbolt-backed outbox that drains in order once the
connection returns. Requests and queue operations always fail fast;
only fire-and-forget publishes are buffered.

# Usage

	b, err := broker.New(broker.Options{URL: "nats://127.0.0.1:4222"})
	if err != nil {
		return err
	}
	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer b.Close(ctx)

	sub, _ := b.Subscribe("events.orders.>", "", func(msg broker.Message) {
		fmt.Printf("%s: %d bytes\n", msg.Subject, len(msg.Data))
	})
	defer sub.Unsubscribe()

	queue, _ := b.WorkQueue("commands")
	queue.Publish(ctx, "commands.media.transcode", payload, nil)

The memory broker (broker.NewMemoryBroker, or URL memory://) implements
every interface including per-key TTL and expired watch events, so unit
tests and integration scenarios run without a server.

# See Also

  - pkg/kv for the typed store layered on buckets
  - pkg/service for the runtime that consumes work queues
  - pkg/broker/subjects.go for the full subject grammar
*/
package broker
