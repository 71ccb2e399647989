package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/errdefs"
	"github.com/aegismesh/aegis/pkg/log"
)

// Entry is one live key-value pair. CreatedAt and UpdatedAt both refer to the
// current revision's write time; the transport does not retain the key's
// first-ever write.
type Entry struct {
	Key       string
	Value     []byte
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Duration
}

// PutOptions modifies a write. CreateOnly and Revision are mutually
// exclusive; a zero value means an unconditional put.
type PutOptions struct {
	// CreateOnly fails with errdefs.ErrAlreadyExists when a live value is
	// present.
	CreateOnly bool
	// Revision, when non-zero, makes the write a compare-and-swap that
	// fails with errdefs.ErrRevisionMismatch unless the latest revision
	// matches.
	Revision uint64
	// TTL bounds the written key's lifetime. A TTL equal to the bucket
	// TTL is free; any other value needs a backend with per-key TTL
	// support and fails with errdefs.ErrUnsupported otherwise.
	TTL time.Duration
}

// Options configures a Store.
type Options struct {
	// BucketTTL mirrors the TTL the backing bucket was created with. It
	// drives the expiry scanner's deadlines.
	BucketTTL time.Duration
	// ScanInterval is the expiry scanner cadence. Defaults to half the
	// bucket TTL, clamped to [50ms, 5s].
	ScanInterval time.Duration
	// Codec encodes typed values. Defaults to msgpack; reads auto-detect
	// the wire format regardless.
	Codec codec.Codec
}

// Store wraps a broker bucket with typed access, batch operations, pull-style
// watchers, and expiry-event synthesis for backends that prune silently.
type Store struct {
	kv     broker.KeyValue
	opts   Options
	logger zerolog.Logger

	mu            sync.Mutex
	watchers      map[uint64]*Watcher
	nextWatcherID uint64
	closed        bool

	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

// New builds a Store over an existing bucket. When the bucket has a TTL but
// its watch stream cannot carry expired events, New starts a scanner that
// synthesizes them.
func New(b broker.KeyValue, opts Options) *Store {
	if opts.Codec == nil {
		opts.Codec = codec.Msgpack{}
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = opts.BucketTTL / 2
		if opts.ScanInterval < 50*time.Millisecond {
			opts.ScanInterval = 50 * time.Millisecond
		}
		if opts.ScanInterval > 5*time.Second {
			opts.ScanInterval = 5 * time.Second
		}
	}
	s := &Store{
		kv:       b,
		opts:     opts,
		logger:   log.WithComponent("kv").With().Str("bucket", b.Bucket()).Logger(),
		watchers: make(map[uint64]*Watcher),
	}
	if opts.BucketTTL > 0 && !emitsExpired(b) {
		ctx, cancel := context.WithCancel(context.Background())
		s.scanCancel = cancel
		s.scanDone = make(chan struct{})
		go s.runScanner(ctx)
	}
	return s
}

func emitsExpired(b broker.KeyValue) bool {
	e, ok := b.(broker.ExpiryEmitter)
	return ok && e.EmitsExpired()
}

// Bucket returns the backing bucket name.
func (s *Store) Bucket() string { return s.kv.Bucket() }

// Close stops the expiry scanner and detaches all watchers.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watchers := make([]*Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	if s.scanCancel != nil {
		s.scanCancel()
		<-s.scanDone
	}
	for _, w := range watchers {
		w.Stop()
	}
}

// Get returns the latest live entry for key, or (nil, nil) when the key is
// absent, deleted, or expired.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.entry(e), nil
}

// GetValue fetches key and decodes its value into v. Missing keys return
// (nil, nil) without touching v.
func (s *Store) GetValue(ctx context.Context, key string, v any) (*Entry, error) {
	e, err := s.Get(ctx, key)
	if err != nil || e == nil {
		return e, err
	}
	if err := codec.Decode(e.Value, v); err != nil {
		return nil, err
	}
	return e, nil
}

// Put writes key according to opts and returns the new revision.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts PutOptions) (uint64, error) {
	if opts.CreateOnly && opts.Revision > 0 {
		return 0, fmt.Errorf("%w: create_only and revision are mutually exclusive", errdefs.ErrInvalid)
	}
	var setter broker.KeyTTLSetter
	if opts.TTL > 0 && opts.TTL != s.opts.BucketTTL {
		var ok bool
		setter, ok = s.kv.(broker.KeyTTLSetter)
		if !ok {
			return 0, fmt.Errorf("%w: bucket %s cannot bound a single key's ttl (bucket ttl is %s)",
				errdefs.ErrUnsupported, s.kv.Bucket(), s.opts.BucketTTL)
		}
	}

	var (
		rev uint64
		err error
	)
	switch {
	case opts.CreateOnly:
		rev, err = s.kv.Create(ctx, key, value)
	case opts.Revision > 0:
		rev, err = s.kv.Update(ctx, key, value, opts.Revision)
	default:
		rev, err = s.kv.Put(ctx, key, value)
	}
	if err != nil {
		return 0, err
	}
	if setter != nil {
		if err := setter.SetKeyTTL(ctx, key, opts.TTL); err != nil {
			return rev, err
		}
	}
	return rev, nil
}

// PutValue encodes v with the store codec and writes it under key.
func (s *Store) PutValue(ctx context.Context, key string, v any, opts PutOptions) (uint64, error) {
	data, err := s.opts.Codec.Marshal(v)
	if err != nil {
		return 0, err
	}
	return s.Put(ctx, key, data, opts)
}

// Delete removes key. A non-zero revision makes the delete conditional.
func (s *Store) Delete(ctx context.Context, key string, revision uint64) error {
	return s.kv.Delete(ctx, key, revision)
}

// Purge removes key along with its revision history.
func (s *Store) Purge(ctx context.Context, key string) error {
	return s.kv.Purge(ctx, key)
}

// Keys lists live keys under prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.kv.Keys(ctx, prefix)
}

// History returns up to limit retained revisions of key, oldest first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]*Entry, error) {
	entries, err := s.kv.History(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = s.entry(e)
	}
	return out, nil
}

// Clear deletes every live key under prefix and reports how many went away.
func (s *Store) Clear(ctx context.Context, prefix string) (int, error) {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key, 0); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// GetMany fetches keys sequentially. Missing keys are simply absent from the
// result; the first transport error stops the batch.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		e, err := s.Get(ctx, key)
		if err != nil {
			return out, err
		}
		if e != nil {
			out[key] = e
		}
	}
	return out, nil
}

// PutMany writes entries sequentially in key order, all with the same
// options. Revisions for completed writes are reported even when a later
// write fails.
func (s *Store) PutMany(ctx context.Context, entries map[string][]byte, opts PutOptions) (map[string]uint64, error) {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	revs := make(map[string]uint64, len(entries))
	for _, key := range keys {
		rev, err := s.Put(ctx, key, entries[key], opts)
		if err != nil {
			return revs, fmt.Errorf("put %s: %w", key, err)
		}
		revs[key] = rev
	}
	return revs, nil
}

// DeleteMany removes keys sequentially and reports how many were live.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key, 0); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) entry(e *broker.KVEntry) *Entry {
	return &Entry{
		Key:       e.Key,
		Value:     e.Value,
		Revision:  e.Revision,
		CreatedAt: e.Created,
		UpdatedAt: e.Created,
		TTL:       s.opts.BucketTTL,
	}
}

// RetryOnRevisionMismatch runs fn up to attempts times, retrying only when it
// fails with errdefs.ErrRevisionMismatch. fn is expected to re-read the
// contended key on each attempt.
func RetryOnRevisionMismatch(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn(ctx)
		if err == nil || !errdefs.IsRevisionMismatch(err) {
			return err
		}
	}
	return err
}
