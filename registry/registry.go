// Package registry implements the local name registry: key -> server
// mapping in unique or duplicate mode, glob/predicate
// queries, dispatch fan-out, and automatic cleanup driven by the lifecycle
// event stream.
package registry

import (
	"sync"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
)

// Mode selects unique (one entry per key) or duplicate (unbounded entries
// per key) semantics.
type Mode int

const (
	Unique Mode = iota
	Duplicate
)

// Entry is one registration.
type Entry struct {
	Key    string
	Server *genserver.Server
	Meta   any
}

// Registry is a name -> server[] map, isolated from any other Registry
// instance including the package Default.
type Registry struct {
	mode Mode

	mu      sync.RWMutex
	byKey   map[string][]*Entry
	byServ  map[string][]*Entry // serverId -> entries referencing it, for cleanup

	sub *event.Subscription
}

// New creates a Registry in the given mode, subscribed to bus for automatic
// cleanup on server termination/crash. bus defaults to event.Default.
func New(mode Mode, bus *event.Bus) *Registry {
	if bus == nil {
		bus = event.Default
	}
	r := &Registry{
		mode:   mode,
		byKey:  make(map[string][]*Entry),
		byServ: make(map[string][]*Entry),
	}
	r.sub = bus.Subscribe(256)
	go r.watchLifecycle()
	return r
}

// Default is the shared unique-mode registry for simple uses.
var Default = New(Unique, event.Default)

func (r *Registry) watchLifecycle() {
	for ev := range r.sub.Events() {
		if ev.Kind == event.KindTerminated || ev.Kind == event.KindCrashed {
			r.removeByServerId(ev.ServerId)
		}
	}
}

// Close stops the registry's lifecycle subscription. Only needed for
// registries created with New in a test or short-lived node.
func (r *Registry) Close() { r.sub.Unsubscribe() }

// Register adds ref under key. In Unique mode a duplicate key fails with
// AlreadyRegistered.
func (r *Registry) Register(key string, ref *genserver.Server, meta any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == Unique {
		if existing := r.byKey[key]; len(existing) > 0 {
			return &AlreadyRegistered{Key: key}
		}
	}

	e := &Entry{Key: key, Server: ref, Meta: meta}
	r.byKey[key] = append(r.byKey[key], e)
	r.byServ[ref.Id()] = append(r.byServ[ref.Id()], e)
	return nil
}

// Unregister removes a registration for key. If ref is nil, every entry
// under key is removed (useful in Duplicate mode); otherwise only the entry
// matching ref.
func (r *Registry) Unregister(key string, ref *genserver.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.byKey[key]
	if !ok || len(entries) == 0 {
		return &NotRegistered{Key: key}
	}

	kept := entries[:0:0]
	for _, e := range entries {
		if ref != nil && e.Server != ref {
			kept = append(kept, e)
			continue
		}
		r.removeFromServerIndexLocked(e)
	}
	if len(kept) == 0 {
		delete(r.byKey, key)
	} else {
		r.byKey[key] = kept
	}
	return nil
}

func (r *Registry) removeFromServerIndexLocked(e *Entry) {
	sid := e.Server.Id()
	entries := r.byServ[sid]
	for i, se := range entries {
		if se == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.byServ, sid)
	} else {
		r.byServ[sid] = entries
	}
}

func (r *Registry) removeByServerId(serverId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byServ[serverId]
	delete(r.byServ, serverId)
	for _, e := range entries {
		remaining := r.byKey[e.Key]
		for i, ke := range remaining {
			if ke == e {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
		if len(remaining) == 0 {
			delete(r.byKey, e.Key)
		} else {
			r.byKey[e.Key] = remaining
		}
	}
}

// Lookup returns the single registered server for key in Unique mode,
// failing with NotRegistered on a miss. In Duplicate mode it returns the
// first entry.
func (r *Registry) Lookup(key string) (*genserver.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byKey[key]
	if len(entries) == 0 {
		return nil, &NotRegistered{Key: key}
	}
	return entries[0].Server, nil
}

// Whereis is like Lookup but returns (nil, false) on a miss instead of an
// error.
func (r *Registry) Whereis(key string) (*genserver.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byKey[key]
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0].Server, true
}

// IsRegistered reports whether key has at least one entry.
func (r *Registry) IsRegistered(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key]) > 0
}

// Count returns the total number of entries across all keys.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, entries := range r.byKey {
		total += len(entries)
	}
	return total
}

// CountForKey returns the number of entries under key.
func (r *Registry) CountForKey(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

// Select returns every entry for which pred returns true.
func (r *Registry) Select(pred func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, entries := range r.byKey {
		for _, e := range entries {
			if pred(*e) {
				out = append(out, *e)
			}
		}
	}
	return out
}

// Match returns every entry whose key matches the glob pattern and, if
// pred is non-nil, also satisfies pred.
func (r *Registry) Match(pattern string, pred func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for key, entries := range r.byKey {
		if !matchGlob(pattern, key) {
			continue
		}
		for _, e := range entries {
			if pred == nil || pred(*e) {
				out = append(out, *e)
			}
		}
	}
	return out
}

// Dispatch sends msg to every server registered under key. If fn is nil,
// msg is delivered with Cast; otherwise fn is invoked per matching server,
// letting the caller use Call or any other delivery semantics.
func (r *Registry) Dispatch(key string, msg any, fn func(*genserver.Server, any) error) error {
	r.mu.RLock()
	entries := append([]*Entry(nil), r.byKey[key]...)
	r.mu.RUnlock()

	if len(entries) == 0 {
		return &NotRegistered{Key: key}
	}
	for _, e := range entries {
		if fn != nil {
			if err := fn(e.Server, msg); err != nil {
				return err
			}
			continue
		}
		if err := e.Server.Cast(msg); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMetadata applies fn to the metadata of every entry under key.
func (r *Registry) UpdateMetadata(key string, fn func(any) any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.byKey[key]
	if !ok || len(entries) == 0 {
		return &NotRegistered{Key: key}
	}
	for _, e := range entries {
		e.Meta = fn(e.Meta)
	}
	return nil
}
