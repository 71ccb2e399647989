package registry

import (
	"context"
	"strings"

	"github.com/aegismesh/aegis/pkg/codec"
	"github.com/aegismesh/aegis/pkg/kv"
	"github.com/aegismesh/aegis/pkg/types"
)

// EventType classifies a registry change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event is one registry change. For removed events Instance is the last
// snapshot the watcher saw; it is nil when the watcher never observed the
// entry alive.
type Event struct {
	Type     EventType
	Service  types.ServiceName
	Instance *types.ServiceInstance
}

// Watcher streams registry changes. The current entries are replayed as
// added events before live changes follow.
type Watcher struct {
	kw    *kv.Watcher
	known map[string]*types.ServiceInstance
}

// Watch opens a watcher over service, or over every service when service is
// empty.
func (r *Registry) Watch(ctx context.Context, service types.ServiceName) (*Watcher, error) {
	pattern := keyPrefix + ".>"
	if service != "" {
		pattern = ServicePrefix(service) + "*"
	}
	kw, err := r.store.Watch(ctx, pattern, kv.WatchOptions{})
	if err != nil {
		return nil, err
	}
	return &Watcher{kw: kw, known: make(map[string]*types.ServiceInstance)}, nil
}

// Next blocks for the next change. A put for an unseen key is added, for a
// seen key updated; deletes and TTL expiries are removed.
func (w *Watcher) Next(ctx context.Context) (Event, error) {
	for {
		ev, err := w.kw.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		switch ev.Type {
		case kv.EventPut:
			inst := new(types.ServiceInstance)
			if err := codec.Decode(ev.Entry.Value, inst); err != nil {
				continue
			}
			typ := EventAdded
			if _, seen := w.known[ev.Key]; seen {
				typ = EventUpdated
			}
			w.known[ev.Key] = inst
			return Event{Type: typ, Service: inst.ServiceName, Instance: inst}, nil
		case kv.EventDelete, kv.EventExpired:
			inst := w.known[ev.Key]
			if inst == nil {
				// Tombstone for an entry this watcher never saw alive.
				continue
			}
			delete(w.known, ev.Key)
			return Event{Type: EventRemoved, Service: serviceFromKey(ev.Key), Instance: inst}, nil
		}
	}
}

// Stop releases the underlying KV watcher.
func (w *Watcher) Stop() { w.kw.Stop() }

func serviceFromKey(key string) types.ServiceName {
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return ""
	}
	return types.ServiceName(parts[1])
}
