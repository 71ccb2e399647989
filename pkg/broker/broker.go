package broker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is a single pub/sub delivery. Reply is the inbox subject to answer
// on for request/reply traffic, empty otherwise.
type Message struct {
	Subject string
	Data    []byte
	Reply   string
}

// Handler consumes messages from a subscription. Handlers run on the
// broker's delivery goroutines and must not block indefinitely.
type Handler func(msg Message)

// Subscription is a live pub/sub registration.
type Subscription interface {
	// Unsubscribe removes the subscription. Idempotent.
	Unsubscribe() error
}

// Header carries string metadata on work-queue messages.
type Header map[string]string

// Get returns the value for key, or empty string.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Delivery is a single work-queue message. The consumer must settle it by
// calling exactly one of Ack, Nak, or Term; unsettled deliveries are
// redelivered after the consumer's ack wait.
type Delivery struct {
	Subject    string
	Data       []byte
	Attempt    int // 1-based delivery attempt
	MaxDeliver int
	Header     Header

	ackFn  func() error
	nakFn  func(delay time.Duration) error
	termFn func() error
}

// AckFuncs bundles the settlement callbacks a broker implementation attaches
// to a Delivery.
type AckFuncs struct {
	Ack  func() error
	Nak  func(delay time.Duration) error
	Term func() error
}

// NewDelivery builds a Delivery backed by the given settlement callbacks.
// Broker implementations use it; consumers only call the methods.
func NewDelivery(subject string, data []byte, attempt, maxDeliver int, header Header, acks AckFuncs) *Delivery {
	return &Delivery{
		Subject:    subject,
		Data:       data,
		Attempt:    attempt,
		MaxDeliver: maxDeliver,
		Header:     header,
		ackFn:      acks.Ack,
		nakFn:      acks.Nak,
		termFn:     acks.Term,
	}
}

// Ack marks the delivery as processed. It is not redelivered.
func (d *Delivery) Ack() error {
	if d.ackFn == nil {
		return nil
	}
	return d.ackFn()
}

// Nak requests redelivery after delay. Zero delay redelivers immediately.
func (d *Delivery) Nak(delay time.Duration) error {
	if d.nakFn == nil {
		return nil
	}
	return d.nakFn(delay)
}

// Term drops the delivery permanently without further attempts.
func (d *Delivery) Term() error {
	if d.termFn == nil {
		return nil
	}
	return d.termFn()
}

// ConsumerHandle controls a running work-queue consumer.
type ConsumerHandle interface {
	// Stop halts delivery. In-flight messages are redelivered to other
	// consumers of the same durable.
	Stop() error
}

// ConsumeOption configures a work-queue consumer.
type ConsumeOption func(*ConsumeConfig)

// ConsumeConfig is the resolved consumer configuration.
type ConsumeConfig struct {
	// MaxDeliver bounds delivery attempts per message.
	MaxDeliver int
	// AckWait is how long the broker waits for a settlement before
	// redelivering.
	AckWait time.Duration
	// Backoff overrides the redelivery schedule. When set, its length
	// caps MaxDeliver on NATS.
	Backoff []time.Duration
	// DeadLetter receives the final envelope of a message that exhausted
	// MaxDeliver or was terminated by the consumer. Empty disables
	// dead-lettering.
	DeadLetter string
}

// WithMaxDeliver bounds delivery attempts per message.
func WithMaxDeliver(n int) ConsumeOption {
	return func(c *ConsumeConfig) { c.MaxDeliver = n }
}

// WithAckWait sets the redelivery timeout for unsettled messages.
func WithAckWait(d time.Duration) ConsumeOption {
	return func(c *ConsumeConfig) { c.AckWait = d }
}

// WithBackoff sets the redelivery delay schedule.
func WithBackoff(delays ...time.Duration) ConsumeOption {
	return func(c *ConsumeConfig) { c.Backoff = delays }
}

// WithDeadLetter routes exhausted messages to the given subject on the same
// work queue.
func WithDeadLetter(subject string) ConsumeOption {
	return func(c *ConsumeConfig) { c.DeadLetter = subject }
}

// WorkQueue is a durable, at-least-once message queue. Messages on the same
// subject are delivered in publish order; a message is redelivered until a
// consumer settles it.
type WorkQueue interface {
	// Publish appends a message to the queue.
	Publish(ctx context.Context, subject string, data []byte, header Header) error
	// Consume delivers messages matching subject to fn. Consumers sharing
	// a durable name split the stream between them.
	Consume(subject, durable string, fn func(*Delivery), opts ...ConsumeOption) (ConsumerHandle, error)
}

// KVOperation tags the kind of change a KVEntry records.
type KVOperation string

const (
	KVPut     KVOperation = "put"
	KVDelete  KVOperation = "delete"
	KVPurge   KVOperation = "purge"
	KVExpired KVOperation = "expired"
)

// KVEntry is one revision of a key.
type KVEntry struct {
	Bucket    string
	Key       string
	Value     []byte
	Revision  uint64
	Created   time.Time
	Operation KVOperation
}

// BucketConfig describes a key-value bucket. TTL applies to every key and is
// reset by each write; History bounds revisions retained per key.
type BucketConfig struct {
	Name     string
	TTL      time.Duration
	History  int
	Replicas int
}

// Validate checks the bucket configuration.
func (c BucketConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("bucket name is required")
	}
	if strings.ContainsAny(c.Name, " \t.*>") {
		return fmt.Errorf("bucket name %q contains reserved characters", c.Name)
	}
	if c.History < 0 || c.History > 64 {
		return fmt.Errorf("bucket history %d out of range [0, 64]", c.History)
	}
	return nil
}

// KeyValue is a revisioned key-value bucket with create-only and
// compare-and-swap writes. Revisions are monotonic per bucket.
type KeyValue interface {
	// Bucket returns the bucket name.
	Bucket() string
	// Get returns the latest revision of key, or errdefs.ErrNotFound when
	// the key is absent or deleted.
	Get(ctx context.Context, key string) (*KVEntry, error)
	// Put writes key unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Create writes key only if it does not exist. Returns
	// errdefs.ErrAlreadyExists when a live value is present.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes key only if its latest revision equals revision.
	// Returns errdefs.ErrRevisionMismatch otherwise.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Delete writes a delete marker. A non-zero revision makes the delete
	// conditional, failing with errdefs.ErrRevisionMismatch.
	Delete(ctx context.Context, key string, revision uint64) error
	// Purge removes the key and its history, leaving a purge marker.
	Purge(ctx context.Context, key string) error
	// Keys lists live keys with the given prefix. Empty prefix lists all.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// History returns up to limit past revisions of key, oldest first.
	History(ctx context.Context, key string, limit int) ([]*KVEntry, error)
	// Watch streams changes to keys matching pattern (subject-style
	// wildcards). Current live values are delivered first as put entries,
	// then updates as they happen. The channel closes when ctx ends.
	Watch(ctx context.Context, pattern string) (<-chan KVEntry, error)
}

// KeyTTLSetter is an optional KeyValue extension for backends that can bound
// one key's lifetime independently of the bucket TTL.
type KeyTTLSetter interface {
	SetKeyTTL(ctx context.Context, key string, ttl time.Duration) error
}

// ExpiryEmitter is an optional KeyValue extension marking backends whose
// watch streams carry KVExpired entries natively. Backends without it prune
// expired keys silently and need an external scanner to observe expiry.
type ExpiryEmitter interface {
	EmitsExpired() bool
}

// DisconnectPolicy selects what Publish does while the broker connection is
// down.
type DisconnectPolicy string

const (
	// FailFast makes Publish return errdefs.ErrNotConnected immediately.
	FailFast DisconnectPolicy = "fail_fast"
	// BufferPolicy appends publishes to the local outbox and drains them
	// in order after reconnect.
	BufferPolicy DisconnectPolicy = "buffer"
)

// Options configures a broker connection.
type Options struct {
	// URL is the connection target, nats://host:port or memory://.
	URL string
	// Name labels the connection for broker-side monitoring.
	Name string
	// ReconnectWait is the initial reconnect backoff.
	ReconnectWait time.Duration
	// ReconnectMaxWait caps the backoff growth.
	ReconnectMaxWait time.Duration
	// MaxReconnects bounds reconnect attempts, negative means unlimited.
	MaxReconnects int
	// DisconnectPolicy selects FailFast or BufferPolicy publish behavior
	// while disconnected.
	DisconnectPolicy DisconnectPolicy
	// OutboxPath is the bolt file backing BufferPolicy. Required when the
	// policy is BufferPolicy.
	OutboxPath string
	// OnDisconnect and OnReconnect observe connection state changes.
	OnDisconnect func(error)
	OnReconnect  func()
}

// DefaultOptions returns the connection defaults used when fields are unset.
func DefaultOptions() Options {
	return Options{
		Name:             "aegis",
		ReconnectWait:    500 * time.Millisecond,
		ReconnectMaxWait: 10 * time.Second,
		MaxReconnects:    -1,
		DisconnectPolicy: FailFast,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Name == "" {
		o.Name = def.Name
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = def.ReconnectWait
	}
	if o.ReconnectMaxWait <= 0 {
		o.ReconnectMaxWait = def.ReconnectMaxWait
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = def.MaxReconnects
	}
	if o.DisconnectPolicy == "" {
		o.DisconnectPolicy = def.DisconnectPolicy
	}
	return o
}

// Broker is the message transport: pub/sub with wildcard subscriptions,
// request/reply, durable work queues, and revisioned key-value buckets.
type Broker interface {
	// Connect establishes the connection. Idempotent.
	Connect(ctx context.Context) error
	// Close drains subscriptions and releases the connection.
	Close(ctx context.Context) error
	// IsConnected reports whether the transport is usable right now.
	IsConnected() bool

	// Publish sends data on subject, fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error
	// Request sends data on subject and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	// Subscribe delivers messages matching subject to handler. A non-empty
	// queueGroup load-balances deliveries among members of the group.
	Subscribe(subject, queueGroup string, handler Handler) (Subscription, error)

	// WorkQueue returns a handle to the named durable queue, creating it
	// if needed.
	WorkQueue(name string) (WorkQueue, error)
	// KeyValue returns a handle to the bucket described by cfg, creating
	// it if needed.
	KeyValue(ctx context.Context, cfg BucketConfig) (KeyValue, error)
}

// New constructs a broker for opts.URL: memory:// yields the in-process
// broker, anything else is treated as a NATS URL. The broker is returned
// unconnected.
func New(opts Options) (Broker, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	if strings.HasPrefix(opts.URL, "memory://") {
		return NewMemoryBroker(), nil
	}
	return NewNATSBroker(opts)
}
