package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegismesh/aegis/pkg/errdefs"
)

// MemoryBroker is a complete in-process Broker used by tests, the memory://
// URL scheme, and local development. It implements wildcard pub/sub with
// queue groups, request/reply over inbox subjects, durable work queues with
// redelivery and dead-lettering, and revisioned key-value buckets with
// per-key TTL timers.
//
// It also supports simulated outages via SetOffline, which makes every
// operation fail with errdefs.ErrNotConnected until the broker is brought
// back online.
type MemoryBroker struct {
	mu        sync.RWMutex
	connected bool
	closed    bool
	offline   bool

	nextSubID uint64
	subs      map[uint64]*memorySub
	rr        map[string]int // round-robin cursor per queue group

	queues  map[string]*memoryQueue
	buckets map[string]*memoryBucket
}

// NewMemoryBroker returns an unconnected in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:    make(map[uint64]*memorySub),
		rr:      make(map[string]int),
		queues:  make(map[string]*memoryQueue),
		buckets: make(map[string]*memoryBucket),
	}
}

// Connect marks the broker usable. Idempotent.
func (b *MemoryBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: broker is closed", errdefs.ErrClosed)
	}
	b.connected = true
	return nil
}

// Close stops all subscriptions, consumers, and watchers.
func (b *MemoryBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	queues := make([]*memoryQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	buckets := make([]*memoryBucket, 0, len(b.buckets))
	for _, kv := range b.buckets {
		buckets = append(buckets, kv)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	for _, q := range queues {
		q.stop()
	}
	for _, kv := range buckets {
		kv.stop()
	}
	return nil
}

// IsConnected reports whether operations will be accepted.
func (b *MemoryBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && !b.offline && !b.closed
}

// SetOffline simulates a broker outage. While offline every operation fails
// with errdefs.ErrNotConnected; subscriptions and queue state survive the
// outage, mirroring a NATS client reconnect.
func (b *MemoryBroker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

func (b *MemoryBroker) checkUsable() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: broker is closed", errdefs.ErrClosed)
	}
	if !b.connected || b.offline {
		return fmt.Errorf("%w: memory broker offline", errdefs.ErrNotConnected)
	}
	return nil
}

// Publish delivers data to every matching subscription.
func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.checkUsable(); err != nil {
		return err
	}
	if !ValidSubject(subject) {
		return fmt.Errorf("%w: invalid subject %q", errdefs.ErrInvalid, subject)
	}
	b.deliver(Message{Subject: subject, Data: data})
	return nil
}

func (b *MemoryBroker) publishWithReply(subject string, data []byte, reply string) (int, error) {
	if err := b.checkUsable(); err != nil {
		return 0, err
	}
	return b.deliver(Message{Subject: subject, Data: data, Reply: reply}), nil
}

// deliver fans out msg to matching subscriptions, applying queue-group
// round-robin, and returns the number of deliveries.
func (b *MemoryBroker) deliver(msg Message) int {
	b.mu.Lock()
	var plain []*memorySub
	grouped := make(map[string][]*memorySub)
	for _, s := range b.subs {
		if !MatchSubject(s.pattern, msg.Subject) {
			continue
		}
		if s.group == "" {
			plain = append(plain, s)
		} else {
			grouped[s.group] = append(grouped[s.group], s)
		}
	}
	targets := plain
	for group, members := range grouped {
		// Stable member order keeps the round-robin cursor meaningful.
		sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
		cursor := b.rr[group] % len(members)
		b.rr[group] = cursor + 1
		targets = append(targets, members[cursor])
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(msg)
	}
	return len(targets)
}

// Request publishes with a reply inbox and waits for the first response.
func (b *MemoryBroker) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if err := b.checkUsable(); err != nil {
		return nil, err
	}
	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan []byte, 1)
	sub, err := b.Subscribe(inbox, "", func(m Message) {
		select {
		case replyCh <- m.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	delivered, err := b.publishWithReply(subject, data, inbox)
	if err != nil {
		return nil, err
	}
	if delivered == 0 {
		return nil, fmt.Errorf("%w: no responders on %s", errdefs.ErrTimeout, subject)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: request to %s after %s", errdefs.ErrTimeout, subject, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: request to %s: %v", errdefs.ErrTimeout, subject, ctx.Err())
	}
}

// Subscribe registers handler for subjects matching pattern. Members of the
// same non-empty queueGroup split deliveries between them.
func (b *MemoryBroker) Subscribe(subject, queueGroup string, handler Handler) (Subscription, error) {
	if !ValidPattern(subject) {
		return nil, fmt.Errorf("%w: invalid subject pattern %q", errdefs.ErrInvalid, subject)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", errdefs.ErrInvalid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: broker is closed", errdefs.ErrClosed)
	}
	b.nextSubID++
	s := &memorySub{
		id:      b.nextSubID,
		pattern: subject,
		group:   queueGroup,
		handler: handler,
		ch:      make(chan Message, 512),
		done:    make(chan struct{}),
		broker:  b,
	}
	b.subs[s.id] = s
	go s.pump()
	return s, nil
}

type memorySub struct {
	id      uint64
	pattern string
	group   string
	handler Handler
	ch      chan Message
	done    chan struct{}
	broker  *MemoryBroker
	once    sync.Once
}

// pump serializes handler invocations per subscription, preserving per
// subject delivery order.
func (s *memorySub) pump() {
	for {
		select {
		case msg := <-s.ch:
			s.handler(msg)
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) push(msg Message) {
	select {
	case s.ch <- msg:
	case <-s.done:
	default:
		// Subscriber buffer full, drop. Core pub/sub is at-most-once.
	}
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.done)
	})
	return nil
}

// WorkQueue returns the named durable queue, creating it on first use.
func (b *MemoryBroker) WorkQueue(name string) (WorkQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: work queue name is required", errdefs.ErrInvalid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: broker is closed", errdefs.ErrClosed)
	}
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q := newMemoryQueue(name, b)
	b.queues[name] = q
	return q, nil
}

type queuedMsg struct {
	id      uint64
	subject string
	data    []byte
	header  Header

	attempts      int
	notBefore     time.Time
	inflight      bool
	inflightUntil time.Time
}

type memoryConsumer struct {
	durable string
	pattern string
	fn      func(*Delivery)
	cfg     ConsumeConfig
	queue   *memoryQueue
	stopped bool
}

func (c *memoryConsumer) Stop() error {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()
	c.stopped = true
	delete(c.queue.consumers, c.durable)
	return nil
}

type memoryQueue struct {
	name   string
	broker *MemoryBroker

	mu        sync.Mutex
	nextMsgID uint64
	pending   []*queuedMsg
	consumers map[string]*memoryConsumer

	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

func newMemoryQueue(name string, b *MemoryBroker) *memoryQueue {
	q := &memoryQueue{
		name:      name,
		broker:    b,
		consumers: make(map[string]*memoryConsumer),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	go q.dispatchLoop()
	return q
}

func (q *memoryQueue) stop() {
	q.once.Do(func() { close(q.stopCh) })
}

func (q *memoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Publish appends a message to the queue. Messages are retained until a
// consumer settles them.
func (q *memoryQueue) Publish(ctx context.Context, subject string, data []byte, header Header) error {
	if err := q.broker.checkUsable(); err != nil {
		return err
	}
	if !ValidSubject(subject) {
		return fmt.Errorf("%w: invalid subject %q", errdefs.ErrInvalid, subject)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.mu.Lock()
	q.nextMsgID++
	q.pending = append(q.pending, &queuedMsg{
		id:      q.nextMsgID,
		subject: subject,
		data:    buf,
		header:  header,
	})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Consume registers a durable consumer for subjects matching subject. One
// durable owns a subject filter; messages are delivered one at a time per
// durable and redelivered until settled.
func (q *memoryQueue) Consume(subject, durable string, fn func(*Delivery), opts ...ConsumeOption) (ConsumerHandle, error) {
	if !ValidPattern(subject) {
		return nil, fmt.Errorf("%w: invalid subject pattern %q", errdefs.ErrInvalid, subject)
	}
	if durable == "" {
		return nil, fmt.Errorf("%w: durable name is required", errdefs.ErrInvalid)
	}
	cfg := ConsumeConfig{MaxDeliver: 1, AckWait: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxDeliver < 1 {
		cfg.MaxDeliver = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.consumers[durable]; ok {
		return nil, fmt.Errorf("%w: durable %q already active on queue %s", errdefs.ErrAlreadyExists, durable, q.name)
	}
	c := &memoryConsumer{durable: durable, pattern: subject, fn: fn, cfg: cfg, queue: q}
	q.consumers[durable] = c
	q.wake()
	return c, nil
}

func (q *memoryQueue) dispatchLoop() {
	for {
		q.dispatchOnce()
		select {
		case <-q.notify:
		case <-time.After(10 * time.Millisecond):
		case <-q.stopCh:
			return
		}
	}
}

// dispatchOnce hands the oldest eligible message per subject to its consumer.
// A subject is blocked while one of its messages is inflight, which keeps
// per-subject FIFO intact.
func (q *memoryQueue) dispatchOnce() {
	if !q.broker.IsConnected() {
		return
	}
	now := time.Now()

	q.mu.Lock()
	type dispatch struct {
		c   *memoryConsumer
		m   *queuedMsg
		att int
	}
	var work []dispatch
	busy := make(map[string]bool)
	for _, m := range q.pending {
		if m.inflight {
			if now.After(m.inflightUntil) {
				// Consumer went silent, make it eligible again.
				m.inflight = false
			} else {
				busy[m.subject] = true
				continue
			}
		}
		if busy[m.subject] || now.Before(m.notBefore) {
			busy[m.subject] = true
			continue
		}
		c := q.matchConsumer(m.subject)
		if c == nil {
			continue
		}
		busy[m.subject] = true
		m.inflight = true
		m.inflightUntil = now.Add(c.cfg.AckWait)
		m.attempts++
		work = append(work, dispatch{c: c, m: m, att: m.attempts})
	}
	q.mu.Unlock()

	for _, w := range work {
		go w.c.fn(q.makeDelivery(w.c, w.m, w.att))
	}
}

func (q *memoryQueue) matchConsumer(subject string) *memoryConsumer {
	var match *memoryConsumer
	for _, c := range q.consumers {
		if c.stopped || !MatchSubject(c.pattern, subject) {
			continue
		}
		if match == nil || c.durable < match.durable {
			match = c
		}
	}
	return match
}

func (q *memoryQueue) makeDelivery(c *memoryConsumer, m *queuedMsg, attempt int) *Delivery {
	return NewDelivery(m.subject, m.data, attempt, c.cfg.MaxDeliver, m.header, AckFuncs{
		Ack: func() error {
			q.remove(m)
			return nil
		},
		Nak: func(delay time.Duration) error {
			q.mu.Lock()
			exhausted := m.attempts >= c.cfg.MaxDeliver
			if !exhausted {
				m.inflight = false
				m.notBefore = time.Now().Add(q.nakDelay(c, m, delay))
			}
			q.mu.Unlock()
			if exhausted {
				q.deadLetter(c, m)
			}
			q.wake()
			return nil
		},
		Term: func() error {
			q.deadLetter(c, m)
			return nil
		},
	})
}

// nakDelay picks the redelivery delay: an explicit delay wins, then the
// consumer's backoff schedule indexed by attempt.
func (q *memoryQueue) nakDelay(c *memoryConsumer, m *queuedMsg, delay time.Duration) time.Duration {
	if delay > 0 {
		return delay
	}
	if len(c.cfg.Backoff) == 0 {
		return 0
	}
	idx := m.attempts - 1
	if idx >= len(c.cfg.Backoff) {
		idx = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[idx]
}

// deadLetter removes m and, when the consumer configured a dead-letter
// subject, republishes the final envelope there.
func (q *memoryQueue) deadLetter(c *memoryConsumer, m *queuedMsg) {
	q.remove(m)
	if c.cfg.DeadLetter == "" {
		return
	}
	header := Header{}
	for k, v := range m.header {
		header[k] = v
	}
	header["Dead-Letter-Source"] = m.subject
	header["Dead-Letter-Attempts"] = fmt.Sprintf("%d", m.attempts)
	q.mu.Lock()
	q.nextMsgID++
	q.pending = append(q.pending, &queuedMsg{
		id:      q.nextMsgID,
		subject: c.cfg.DeadLetter,
		data:    m.data,
		header:  header,
	})
	q.mu.Unlock()
	q.wake()
}

func (q *memoryQueue) remove(m *queuedMsg) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.pending {
		if cur.id == m.id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// PendingCount reports queued messages, a test hook.
func (q *memoryQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// KeyValue returns the bucket named in cfg, creating it on first use.
// Recreating an existing bucket with a different TTL or history is rejected.
func (b *MemoryBroker) KeyValue(ctx context.Context, cfg BucketConfig) (KeyValue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalid, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: broker is closed", errdefs.ErrClosed)
	}
	if kv, ok := b.buckets[cfg.Name]; ok {
		if kv.cfg.TTL != cfg.TTL || (cfg.History != 0 && kv.cfg.History != cfg.History) {
			return nil, fmt.Errorf("%w: bucket %s exists with different configuration", errdefs.ErrAlreadyExists, cfg.Name)
		}
		return kv, nil
	}
	if cfg.History <= 0 {
		cfg.History = 1
	}
	kv := &memoryBucket{
		broker:   b,
		cfg:      cfg,
		latest:   make(map[string]*KVEntry),
		history:  make(map[string][]*KVEntry),
		watchers: make(map[uint64]*memoryKVWatcher),
		timers:   make(map[string]*time.Timer),
	}
	b.buckets[cfg.Name] = kv
	return kv, nil
}

type memoryBucket struct {
	broker *MemoryBroker
	cfg    BucketConfig

	mu            sync.Mutex
	rev           uint64
	latest        map[string]*KVEntry
	history       map[string][]*KVEntry
	watchers      map[uint64]*memoryKVWatcher
	nextWatcherID uint64
	timers        map[string]*time.Timer
	stopped       bool
}

func (kv *memoryBucket) Bucket() string { return kv.cfg.Name }

// EmitsExpired reports that this bucket publishes expired watch events
// natively, so no polling scanner is needed on top of it.
func (kv *memoryBucket) EmitsExpired() bool { return true }

func (kv *memoryBucket) stop() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.stopped = true
	for _, t := range kv.timers {
		t.Stop()
	}
	for _, w := range kv.watchers {
		w.close()
	}
	kv.watchers = make(map[uint64]*memoryKVWatcher)
}

func (kv *memoryBucket) checkUsable() error {
	return kv.broker.checkUsable()
}

func live(e *KVEntry) bool {
	return e != nil && e.Operation == KVPut
}

// Get returns the latest live revision of key.
func (kv *memoryBucket) Get(ctx context.Context, key string) (*KVEntry, error) {
	if err := kv.checkUsable(); err != nil {
		return nil, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kv.latest[key]
	if !live(e) {
		return nil, fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, kv.cfg.Name)
	}
	cp := *e
	return &cp, nil
}

// Put writes key unconditionally.
func (kv *memoryBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkUsable(); err != nil {
		return 0, err
	}
	if !validKey(key) {
		return 0, fmt.Errorf("%w: invalid key %q", errdefs.ErrInvalid, key)
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.write(key, value, KVPut, kv.cfg.TTL), nil
}

// Create writes key only when no live value exists.
func (kv *memoryBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkUsable(); err != nil {
		return 0, err
	}
	if !validKey(key) {
		return 0, fmt.Errorf("%w: invalid key %q", errdefs.ErrInvalid, key)
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if live(kv.latest[key]) {
		return 0, fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrAlreadyExists, key, kv.cfg.Name)
	}
	return kv.write(key, value, KVPut, kv.cfg.TTL), nil
}

// Update writes key only when its latest revision equals revision.
func (kv *memoryBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkUsable(); err != nil {
		return 0, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kv.latest[key]
	if !live(e) || e.Revision != revision {
		var have uint64
		if e != nil {
			have = e.Revision
		}
		return 0, fmt.Errorf("%w: key %s expected revision %d, have %d",
			errdefs.ErrRevisionMismatch, key, revision, have)
	}
	return kv.write(key, value, KVPut, kv.cfg.TTL), nil
}

// Delete writes a delete marker. Non-zero revision makes it conditional.
func (kv *memoryBucket) Delete(ctx context.Context, key string, revision uint64) error {
	if err := kv.checkUsable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kv.latest[key]
	if !live(e) {
		return fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, kv.cfg.Name)
	}
	if revision != 0 && e.Revision != revision {
		return fmt.Errorf("%w: key %s expected revision %d, have %d",
			errdefs.ErrRevisionMismatch, key, revision, e.Revision)
	}
	kv.write(key, nil, KVDelete, 0)
	return nil
}

// Purge removes key and its history, leaving a purge marker.
func (kv *memoryBucket) Purge(ctx context.Context, key string) error {
	if err := kv.checkUsable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.history, key)
	kv.write(key, nil, KVPurge, 0)
	return nil
}

// Keys lists live keys with the given prefix, sorted.
func (kv *memoryBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := kv.checkUsable(); err != nil {
		return nil, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.latest))
	for k, e := range kv.latest {
		if live(e) && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// History returns up to limit revisions of key, oldest first.
func (kv *memoryBucket) History(ctx context.Context, key string, limit int) ([]*KVEntry, error) {
	if err := kv.checkUsable(); err != nil {
		return nil, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entries := kv.history[key]
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, kv.cfg.Name)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*KVEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// SetKeyTTL rearms the expiry timer for key with a key-specific TTL,
// overriding the bucket TTL until the next write.
func (kv *memoryBucket) SetKeyTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := kv.checkUsable(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kv.latest[key]
	if !live(e) {
		return fmt.Errorf("%w: key %s in bucket %s", errdefs.ErrNotFound, key, kv.cfg.Name)
	}
	kv.armTimer(key, e.Revision, ttl)
	return nil
}

// Watch streams changes to keys matching pattern. Current live values arrive
// first as put entries, then updates in revision order.
func (kv *memoryBucket) Watch(ctx context.Context, pattern string) (<-chan KVEntry, error) {
	if err := kv.checkUsable(); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = ">"
	}
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: invalid watch pattern %q", errdefs.ErrInvalid, pattern)
	}

	w := newMemoryKVWatcher(pattern)

	kv.mu.Lock()
	// Snapshot and registration happen under one lock so no update is
	// missed or duplicated between them.
	var snapshot []*KVEntry
	for k, e := range kv.latest {
		if live(e) && MatchSubject(pattern, k) {
			snapshot = append(snapshot, e)
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Key < snapshot[j].Key })
	for _, e := range snapshot {
		w.push(*e)
	}
	kv.nextWatcherID++
	id := kv.nextWatcherID
	kv.watchers[id] = w
	kv.mu.Unlock()

	go func() {
		<-ctx.Done()
		kv.mu.Lock()
		delete(kv.watchers, id)
		kv.mu.Unlock()
		w.close()
	}()

	return w.out, nil
}

// write records a new revision for key and notifies watchers. Callers hold
// kv.mu.
func (kv *memoryBucket) write(key string, value []byte, op KVOperation, ttl time.Duration) uint64 {
	kv.rev++
	e := &KVEntry{
		Bucket:    kv.cfg.Name,
		Key:       key,
		Revision:  kv.rev,
		Created:   time.Now().UTC(),
		Operation: op,
	}
	if op == KVPut {
		e.Value = make([]byte, len(value))
		copy(e.Value, value)
	}
	kv.latest[key] = e

	hist := append(kv.history[key], e)
	if len(hist) > kv.cfg.History {
		hist = hist[len(hist)-kv.cfg.History:]
	}
	kv.history[key] = hist

	if op == KVPut {
		kv.armTimer(key, e.Revision, ttl)
	} else if t, ok := kv.timers[key]; ok {
		t.Stop()
		delete(kv.timers, key)
	}

	for _, w := range kv.watchers {
		if MatchSubject(w.pattern, key) {
			w.push(*e)
		}
	}
	return e.Revision
}

// armTimer schedules expiry for the given revision of key. Callers hold
// kv.mu. A zero ttl disarms.
func (kv *memoryBucket) armTimer(key string, revision uint64, ttl time.Duration) {
	if t, ok := kv.timers[key]; ok {
		t.Stop()
		delete(kv.timers, key)
	}
	if ttl <= 0 || kv.stopped {
		return
	}
	kv.timers[key] = time.AfterFunc(ttl, func() {
		kv.expire(key, revision)
	})
}

// expire writes an expired marker for key if revision is still current.
func (kv *memoryBucket) expire(key string, revision uint64) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.stopped {
		return
	}
	e := kv.latest[key]
	if !live(e) || e.Revision != revision {
		// A later write superseded this timer.
		return
	}
	delete(kv.timers, key)
	kv.write(key, nil, KVExpired, 0)
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, tok := range strings.Split(key, ".") {
		if tok == "" || tok == "*" || tok == ">" {
			return false
		}
		if strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
	}
	return true
}

// memoryKVWatcher decouples bucket writes from watcher consumption with an
// ordered queue so slow consumers never block or drop updates.
type memoryKVWatcher struct {
	pattern string
	out     chan KVEntry

	mu     sync.Mutex
	queue  []KVEntry
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMemoryKVWatcher(pattern string) *memoryKVWatcher {
	w := &memoryKVWatcher{
		pattern: pattern,
		out:     make(chan KVEntry, 64),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *memoryKVWatcher) push(e KVEntry) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memoryKVWatcher) run() {
	defer close(w.out)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, e := range batch {
			select {
			case w.out <- e:
			case <-w.done:
				return
			}
		}

		select {
		case <-w.signal:
		case <-w.done:
			return
		}
	}
}

func (w *memoryKVWatcher) close() {
	w.once.Do(func() { close(w.done) })
}
