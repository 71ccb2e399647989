package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
	"github.com/aegismesh/aegis/pkg/errdefs"
)

// EventType classifies a watch event.
type EventType string

const (
	EventPut     EventType = "put"
	EventDelete  EventType = "delete"
	EventExpired EventType = "expired"
)

// WatchEvent is one observed change. Entry is populated for puts only.
// Revision is the checkpoint to resume from after a restart; for expired
// events it names the revision that timed out.
type WatchEvent struct {
	Type     EventType
	Key      string
	Entry    *Entry
	Revision uint64
}

// WatchOptions configures a watch.
type WatchOptions struct {
	// FromRevision resumes a watch: events at or below it are skipped,
	// including the initial state replay.
	FromRevision uint64
}

// Watcher is a pull-style change stream. Current live values arrive first as
// put events, then changes in revision order. Synthetic expired events are
// merged in when the store's scanner detects silent TTL pruning.
type Watcher struct {
	store   *Store
	id      uint64
	pattern string
	fromRev uint64
	ch      <-chan broker.KVEntry
	synth   chan WatchEvent
	cancel  context.CancelFunc
}

// Watch opens a watcher over keys matching pattern (subject-style wildcards,
// or an exact key).
func (s *Store) Watch(ctx context.Context, pattern string, opts WatchOptions) (*Watcher, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: store for bucket %s", errdefs.ErrClosed, s.kv.Bucket())
	}
	s.mu.Unlock()

	wctx, cancel := context.WithCancel(ctx)
	ch, err := s.kv.Watch(wctx, pattern)
	if err != nil {
		cancel()
		return nil, err
	}
	w := &Watcher{
		store:   s,
		pattern: pattern,
		fromRev: opts.FromRevision,
		ch:      ch,
		synth:   make(chan WatchEvent, 16),
		cancel:  cancel,
	}
	s.mu.Lock()
	s.nextWatcherID++
	w.id = s.nextWatcherID
	s.watchers[w.id] = w
	s.mu.Unlock()
	return w, nil
}

// Next blocks until the next event, the watch ends, or ctx is done. After the
// stream closes it returns errdefs.ErrClosed.
func (w *Watcher) Next(ctx context.Context) (WatchEvent, error) {
	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				return WatchEvent{}, fmt.Errorf("%w: watch on %s ended", errdefs.ErrClosed, w.pattern)
			}
			if w.fromRev > 0 && e.Revision <= w.fromRev {
				continue
			}
			return w.event(e), nil
		case ev := <-w.synth:
			// Synthetic expiries are generated live and carry the
			// revision that timed out, which may predate the
			// checkpoint. They are never replays, so no skip.
			return ev, nil
		case <-ctx.Done():
			return WatchEvent{}, ctx.Err()
		}
	}
}

// Stop detaches the watcher. Pending events are dropped.
func (w *Watcher) Stop() {
	w.cancel()
	w.store.mu.Lock()
	delete(w.store.watchers, w.id)
	w.store.mu.Unlock()
}

func (w *Watcher) event(e broker.KVEntry) WatchEvent {
	switch e.Operation {
	case broker.KVDelete, broker.KVPurge:
		return WatchEvent{Type: EventDelete, Key: e.Key, Revision: e.Revision}
	case broker.KVExpired:
		return WatchEvent{Type: EventExpired, Key: e.Key, Revision: e.Revision}
	default:
		return WatchEvent{Type: EventPut, Key: e.Key, Entry: w.store.entry(&e), Revision: e.Revision}
	}
}

// pushSynthetic delivers a scanner-made event without blocking the scanner;
// a watcher that stopped consuming just misses synthetic expiries.
func (w *Watcher) pushSynthetic(ev WatchEvent) {
	select {
	case w.synth <- ev:
	default:
	}
}

type trackedKey struct {
	revision uint64
	deadline time.Time
}

// runScanner tracks key deadlines from the bucket's own watch stream and
// synthesizes exactly one expired event per vanished key. It exists for
// backends that prune expired keys without emitting anything.
func (s *Store) runScanner(ctx context.Context) {
	defer close(s.scanDone)

	ch, err := s.kv.Watch(ctx, ">")
	if err != nil {
		s.logger.Error().Err(err).Msg("Expiry scanner could not watch bucket")
		return
	}
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()

	tracked := make(map[string]trackedKey)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Operation == broker.KVPut {
				tracked[e.Key] = trackedKey{
					revision: e.Revision,
					deadline: e.Created.Add(s.opts.BucketTTL),
				}
			} else {
				delete(tracked, e.Key)
			}
		case now := <-ticker.C:
			s.sweep(ctx, tracked, now)
		case <-ctx.Done():
			return
		}
	}
}

// sweep confirms each overdue key against the backend before declaring it
// expired, so a concurrent refresh never produces a false expiry.
func (s *Store) sweep(ctx context.Context, tracked map[string]trackedKey, now time.Time) {
	for key, tk := range tracked {
		if now.Before(tk.deadline) {
			continue
		}
		cur, err := s.kv.Get(ctx, key)
		switch {
		case err == nil && cur.Revision == tk.revision:
			// Backend has not pruned it yet, look again next tick.
			tracked[key] = trackedKey{revision: tk.revision, deadline: now.Add(s.opts.ScanInterval)}
		case err == nil:
			// Refreshed behind our back.
			tracked[key] = trackedKey{revision: cur.Revision, deadline: cur.Created.Add(s.opts.BucketTTL)}
		case errdefs.IsNotFound(err):
			delete(tracked, key)
			s.fanoutExpired(key, tk.revision)
		default:
			// Transport trouble, retry on the next sweep.
			s.logger.Warn().Err(err).Str("key", key).Msg("Expiry sweep probe failed")
		}
	}
}

func (s *Store) fanoutExpired(key string, revision uint64) {
	ev := WatchEvent{Type: EventExpired, Key: key, Revision: revision}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		if broker.MatchSubject(w.pattern, key) {
			w.pushSynthetic(ev)
		}
	}
	s.logger.Debug().Str("key", key).Uint64("revision", revision).Msg("Synthesized expired event")
}
