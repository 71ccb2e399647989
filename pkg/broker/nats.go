package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/log"
)

// commandStreamMaxAge bounds how long unconsumed messages (progress and
// result chatter captured by the wide subject filter) stay in a work-queue
// stream.
const commandStreamMaxAge = time.Hour

// NATSBroker implements Broker on a NATS connection with JetStream providing
// the durable work queues and key-value buckets.
type NATSBroker struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	nc     *nats.Conn
	js     nats.JetStreamContext
	outbox *Outbox
}

// NewNATSBroker builds an unconnected NATS-backed broker. With the buffer
// disconnect policy it opens the outbox file immediately so buffered
// publishes survive restarts.
func NewNATSBroker(opts Options) (*NATSBroker, error) {
	opts = opts.withDefaults()
	b := &NATSBroker{
		opts:   opts,
		logger: log.WithComponent("broker"),
	}
	if opts.DisconnectPolicy == BufferPolicy {
		if opts.OutboxPath == "" {
			return nil, fmt.Errorf("%w: outbox path is required for the buffer disconnect policy", errdefs.ErrConfig)
		}
		ob, err := OpenOutbox(opts.OutboxPath)
		if err != nil {
			return nil, fmt.Errorf("%w: opening outbox: %v", errdefs.ErrConfig, err)
		}
		b.outbox = ob
	}
	return b, nil
}

// Connect dials the server. Reconnects are handled by the client with
// jittered exponential backoff; buffered publishes drain after each
// reconnect.
func (b *NATSBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil && !b.nc.IsClosed() {
		return nil
	}

	nopts := []nats.Option{
		nats.Name(b.opts.Name),
		nats.MaxReconnects(b.opts.MaxReconnects),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return reconnectDelay(b.opts, attempts)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Broker connection lost")
			if b.opts.OnDisconnect != nil {
				b.opts.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Broker reconnected")
			go b.drainOutbox()
			if b.opts.OnReconnect != nil {
				b.opts.OnReconnect()
			}
		}),
	}

	nc, err := nats.Connect(b.opts.URL, nopts...)
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %v", errdefs.ErrTransport, b.opts.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: jetstream context: %v", errdefs.ErrTransport, err)
	}
	b.nc = nc
	b.js = js
	b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Broker connected")

	// Flush anything buffered while we were down.
	go b.drainOutbox()
	return nil
}

// reconnectDelay grows the wait exponentially from ReconnectWait to
// ReconnectMaxWait with up to 25% jitter on top.
func reconnectDelay(opts Options, attempts int) time.Duration {
	d := opts.ReconnectWait
	for i := 0; i < attempts && d < opts.ReconnectMaxWait; i++ {
		d *= 2
	}
	if d > opts.ReconnectMaxWait {
		d = opts.ReconnectMaxWait
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Close drains in-flight subscriptions within the context budget, then tears
// the connection down.
func (b *NATSBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	nc := b.nc
	b.nc = nil
	b.js = nil
	b.mu.Unlock()

	if b.outbox != nil {
		defer func() { _ = b.outbox.Close() }()
	}
	if nc == nil || nc.IsClosed() {
		return nil
	}

	closed := make(chan struct{})
	nc.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := nc.Drain(); err != nil {
		nc.Close()
		return nil
	}
	select {
	case <-closed:
	case <-ctx.Done():
		nc.Close()
	}
	return nil
}

// IsConnected reports the live connection state.
func (b *NATSBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc != nil && b.nc.IsConnected()
}

func (b *NATSBroker) conn() (*nats.Conn, nats.JetStreamContext) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc, b.js
}

// Publish sends data on subject. While disconnected the publish either fails
// fast or lands in the outbox, per the disconnect policy.
func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if !ValidSubject(subject) {
		return fmt.Errorf("%w: invalid subject %q", errdefs.ErrInvalid, subject)
	}
	nc, _ := b.conn()
	if nc == nil || !nc.IsConnected() {
		if b.opts.DisconnectPolicy == BufferPolicy && b.outbox != nil {
			return b.outbox.Append(subject, data)
		}
		return fmt.Errorf("%w: publish to %s", errdefs.ErrNotConnected, subject)
	}
	if err := nc.Publish(subject, data); err != nil {
		return mapNATSError(err, "publish to "+subject)
	}
	return nil
}

// Request publishes and waits for a single reply within timeout.
func (b *NATSBroker) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	nc, _ := b.conn()
	if nc == nil || !nc.IsConnected() {
		return nil, fmt.Errorf("%w: request on %s", errdefs.ErrNotConnected, subject)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := nc.RequestWithContext(tctx, subject, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return nil, fmt.Errorf("%w: no responders on %s", errdefs.ErrTimeout, subject)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: request to %s after %s", errdefs.ErrTimeout, subject, timeout)
		default:
			return nil, mapNATSError(err, "request on "+subject)
		}
	}
	return msg.Data, nil
}

// Subscribe registers handler for subject, optionally inside a queue group.
func (b *NATSBroker) Subscribe(subject, queueGroup string, handler Handler) (Subscription, error) {
	if !ValidPattern(subject) {
		return nil, fmt.Errorf("%w: invalid subject pattern %q", errdefs.ErrInvalid, subject)
	}
	nc, _ := b.conn()
	if nc == nil {
		return nil, fmt.Errorf("%w: subscribe to %s", errdefs.ErrNotConnected, subject)
	}
	cb := func(m *nats.Msg) {
		handler(Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply})
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queueGroup == "" {
		sub, err = nc.Subscribe(subject, cb)
	} else {
		sub, err = nc.QueueSubscribe(subject, queueGroup, cb)
	}
	if err != nil {
		return nil, mapNATSError(err, "subscribe to "+subject)
	}
	return &natsSubscription{sub: sub}, nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.sub.Unsubscribe() })
	return err
}

// Stop implements ConsumerHandle over the same teardown as Unsubscribe.
func (s *natsSubscription) Stop() error {
	return s.Unsubscribe()
}

// WorkQueue binds to the stream named after name, creating it with
// work-queue retention when absent.
func (b *NATSBroker) WorkQueue(name string) (WorkQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: work queue name is required", errdefs.ErrInvalid)
	}
	_, js := b.conn()
	if js == nil {
		return nil, fmt.Errorf("%w: work queue %s", errdefs.ErrNotConnected, name)
	}
	stream := strings.ToUpper(name)
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{name + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    commandStreamMaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		// Another instance may have won the create race.
		if _, infoErr := js.StreamInfo(stream); infoErr != nil {
			return nil, mapNATSError(err, "creating stream "+stream)
		}
	}
	return &natsWorkQueue{broker: b, stream: stream}, nil
}

type natsWorkQueue struct {
	broker *NATSBroker
	stream string
}

func (q *natsWorkQueue) Publish(ctx context.Context, subject string, data []byte, header Header) error {
	if !ValidSubject(subject) {
		return fmt.Errorf("%w: invalid subject %q", errdefs.ErrInvalid, subject)
	}
	_, js := q.broker.conn()
	if js == nil {
		return fmt.Errorf("%w: queue publish to %s", errdefs.ErrNotConnected, subject)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range header {
		msg.Header.Set(k, v)
	}
	if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return mapNATSError(err, "queue publish to "+subject)
	}
	return nil
}

func (q *natsWorkQueue) Consume(subject, durable string, fn func(*Delivery), opts ...ConsumeOption) (ConsumerHandle, error) {
	if !ValidPattern(subject) {
		return nil, fmt.Errorf("%w: invalid subject pattern %q", errdefs.ErrInvalid, subject)
	}
	if durable == "" {
		return nil, fmt.Errorf("%w: durable name is required", errdefs.ErrInvalid)
	}
	_, js := q.broker.conn()
	if js == nil {
		return nil, fmt.Errorf("%w: consume on %s", errdefs.ErrNotConnected, subject)
	}
	cfg := ConsumeConfig{MaxDeliver: 1, AckWait: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxDeliver < 1 {
		cfg.MaxDeliver = 1
	}
	if len(cfg.Backoff) > cfg.MaxDeliver {
		cfg.Backoff = cfg.Backoff[:cfg.MaxDeliver]
	}

	subOpts := []nats.SubOpt{
		nats.BindStream(q.stream),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(cfg.MaxDeliver),
		// One unsettled message at a time keeps redelivery ordered.
		nats.MaxAckPending(1),
	}
	if len(cfg.Backoff) > 0 {
		subOpts = append(subOpts, nats.BackOff(cfg.Backoff))
	} else {
		subOpts = append(subOpts, nats.AckWait(cfg.AckWait))
	}

	cb := func(m *nats.Msg) {
		attempt := 1
		if meta, err := m.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		header := Header{}
		for k := range m.Header {
			header[k] = m.Header.Get(k)
		}
		fn(NewDelivery(m.Subject, m.Data, attempt, cfg.MaxDeliver, header, AckFuncs{
			Ack: func() error { return m.Ack() },
			Nak: func(delay time.Duration) error {
				if attempt >= cfg.MaxDeliver {
					q.deadLetter(cfg, m, attempt)
					return m.Term()
				}
				if delay > 0 {
					return m.NakWithDelay(delay)
				}
				return m.Nak()
			},
			Term: func() error {
				q.deadLetter(cfg, m, attempt)
				return m.Term()
			},
		}))
	}

	sub, err := js.Subscribe(subject, cb, subOpts...)
	if err != nil {
		return nil, mapNATSError(err, "consume on "+subject)
	}
	return &natsSubscription{sub: sub}, nil
}

// deadLetter republishes the final envelope on the consumer's dead-letter
// subject, tagging the origin and attempt count.
func (q *natsWorkQueue) deadLetter(cfg ConsumeConfig, m *nats.Msg, attempt int) {
	if cfg.DeadLetter == "" {
		return
	}
	_, js := q.broker.conn()
	if js == nil {
		return
	}
	dl := nats.NewMsg(cfg.DeadLetter)
	dl.Data = m.Data
	for k := range m.Header {
		dl.Header.Set(k, m.Header.Get(k))
	}
	dl.Header.Set("Dead-Letter-Source", m.Subject)
	dl.Header.Set("Dead-Letter-Attempts", fmt.Sprintf("%d", attempt))
	if _, err := js.PublishMsg(dl); err != nil {
		q.broker.logger.Error().Err(err).
			Str("subject", m.Subject).
			Str("dlq", cfg.DeadLetter).
			Msg("Failed to dead-letter message")
	}
}

// KeyValue binds to the bucket in cfg, creating it when absent. TTL and
// history apply bucket-wide; per-key TTLs are not supported by this backend.
func (b *NATSBroker) KeyValue(ctx context.Context, cfg BucketConfig) (KeyValue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalid, err)
	}
	_, js := b.conn()
	if js == nil {
		return nil, fmt.Errorf("%w: key-value bucket %s", errdefs.ErrNotConnected, cfg.Name)
	}
	kv, err := js.KeyValue(cfg.Name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		history := cfg.History
		if history <= 0 {
			history = 1
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   cfg.Name,
			TTL:      cfg.TTL,
			History:  uint8(history),
			Replicas: cfg.Replicas,
		})
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			// Lost the create race, bind to the winner's bucket.
			kv, err = js.KeyValue(cfg.Name)
		}
	}
	if err != nil {
		return nil, mapNATSError(err, "key-value bucket "+cfg.Name)
	}
	return &natsKV{broker: b, kv: kv, name: cfg.Name}, nil
}

type natsKV struct {
	broker *NATSBroker
	kv     nats.KeyValue
	name   string
}

func (n *natsKV) Bucket() string { return n.name }

func (n *natsKV) Get(ctx context.Context, key string) (*KVEntry, error) {
	e, err := n.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, n.name)
		}
		return nil, mapNATSError(err, "get "+key)
	}
	return n.entry(e), nil
}

func (n *natsKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := n.kv.Put(key, value)
	if err != nil {
		return 0, mapNATSError(err, "put "+key)
	}
	return rev, nil
}

func (n *natsKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := n.kv.Create(key, value)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrAlreadyExists, key, n.name)
		}
		return 0, mapNATSError(err, "create "+key)
	}
	return rev, nil
}

func (n *natsKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := n.kv.Update(key, value, revision)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, fmt.Errorf("%w: key %s at revision %d", errdefs.ErrRevisionMismatch, key, revision)
		}
		return 0, mapNATSError(err, "update "+key)
	}
	return rev, nil
}

func (n *natsKV) Delete(ctx context.Context, key string, revision uint64) error {
	var err error
	if revision > 0 {
		err = n.kv.Delete(key, nats.LastRevision(revision))
	} else {
		err = n.kv.Delete(key)
	}
	if err != nil {
		if isWrongLastSequence(err) {
			return fmt.Errorf("%w: key %s at revision %d", errdefs.ErrRevisionMismatch, key, revision)
		}
		if errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, n.name)
		}
		return mapNATSError(err, "delete "+key)
	}
	return nil
}

func (n *natsKV) Purge(ctx context.Context, key string) error {
	if err := n.kv.Purge(key); err != nil {
		return mapNATSError(err, "purge "+key)
	}
	return nil
}

func (n *natsKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	names, err := n.kv.Keys(nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, mapNATSError(err, "keys in "+n.name)
	}
	if prefix == "" {
		return names, nil
	}
	out := names[:0]
	for _, k := range names {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (n *natsKV) History(ctx context.Context, key string, limit int) ([]*KVEntry, error) {
	entries, err := n.kv.History(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, n.name)
		}
		return nil, mapNATSError(err, "history of "+key)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*KVEntry, len(entries))
	for i, e := range entries {
		out[i] = n.entry(e)
	}
	return out, nil
}

// Watch adapts the native key watcher: initial values stream first, the
// nil end-of-initial marker is dropped, then live updates follow until ctx
// ends.
func (n *natsKV) Watch(ctx context.Context, pattern string) (<-chan KVEntry, error) {
	if pattern == "" {
		pattern = ">"
	}
	w, err := n.kv.Watch(pattern, nats.Context(ctx))
	if err != nil {
		return nil, mapNATSError(err, "watch "+pattern)
	}
	out := make(chan KVEntry, 64)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()
		for {
			select {
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil {
					// End of initial values.
					continue
				}
				select {
				case out <- *n.entry(e):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *natsKV) entry(e nats.KeyValueEntry) *KVEntry {
	return &KVEntry{
		Bucket:    n.name,
		Key:       e.Key(),
		Value:     e.Value(),
		Revision:  e.Revision(),
		Created:   e.Created(),
		Operation: mapKVOp(e.Operation()),
	}
}

func mapKVOp(op nats.KeyValueOp) KVOperation {
	switch op {
	case nats.KeyValueDelete:
		return KVDelete
	case nats.KeyValuePurge:
		return KVPurge
	default:
		return KVPut
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// mapNATSError translates client errors into the framework taxonomy.
func mapNATSError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %s: %v", errdefs.ErrClosed, op, err)
	case errors.Is(err, nats.ErrDisconnected), errors.Is(err, nats.ErrNoServers):
		return fmt.Errorf("%w: %s: %v", errdefs.ErrNotConnected, op, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", errdefs.ErrTimeout, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", errdefs.ErrTransport, op, err)
	}
}

// drainOutbox replays buffered publishes in enqueue order. Called after every
// successful (re)connect.
func (b *NATSBroker) drainOutbox() {
	if b.outbox == nil {
		return
	}
	nc, _ := b.conn()
	if nc == nil || !nc.IsConnected() {
		return
	}
	n, err := b.outbox.Drain(func(subject string, data []byte) error {
		return nc.Publish(subject, data)
	})
	if err != nil {
		b.logger.Warn().Err(err).Int("drained", n).Msg("Outbox drain interrupted")
		return
	}
	if n > 0 {
		b.logger.Info().Int("drained", n).Msg("Outbox drained after reconnect")
	}
}
