// Package localtable is the node-local ServerId -> *genserver.Server index
// that remote call, remote spawn, and remote monitor consult to resolve an
// inbound request to a live local server. It is distinct from package
// registry, which maps caller-chosen names rather than raw server ids, and
// exists purely as cross-node plumbing: ownership of a server lives in
// this table, never in any cross-reference.
package localtable

import (
	"sync"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
)

// Table is a process-local serverId -> *genserver.Server map, auto-cleaned
// on termination via the lifecycle-event stream.
type Table struct {
	mu   sync.RWMutex
	byId map[string]*genserver.Server

	sub *event.Subscription
}

// New creates a Table subscribed to bus for automatic cleanup.
func New(bus *event.Bus) *Table {
	if bus == nil {
		bus = event.Default
	}
	t := &Table{byId: make(map[string]*genserver.Server)}
	t.sub = bus.Subscribe(256)
	go t.watch()
	return t
}

func (t *Table) watch() {
	for ev := range t.sub.Events() {
		if ev.Kind == event.KindTerminated || ev.Kind == event.KindCrashed {
			t.Remove(ev.ServerId)
		}
	}
}

// Close stops the table's lifecycle subscription.
func (t *Table) Close() { t.sub.Unsubscribe() }

// Add registers srv as remotely addressable by its own ServerId.
func (t *Table) Add(srv *genserver.Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byId[srv.Id()] = srv
}

// Get resolves a serverId to a live local server.
func (t *Table) Get(serverId string) (*genserver.Server, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	srv, ok := t.byId[serverId]
	return srv, ok
}

// Remove drops serverId from the table. A no-op if absent.
func (t *Table) Remove(serverId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byId, serverId)
}

// Count returns the number of locally addressable servers, used by the
// membership heartbeat's processCount gossip field.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byId)
}

// List returns every tracked server, for node-local introspection.
func (t *Table) List() []*genserver.Server {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*genserver.Server, 0, len(t.byId))
	for _, srv := range t.byId {
		out = append(out, srv)
	}
	return out
}
