// Package globalregistry implements the cluster-wide name registry: every
// node keeps a full local copy of the name -> (serverId, nodeId) map,
// registrations and unregistrations are broadcast as registry_update
// envelopes, peers exchange registry_sync snapshots when they connect, and
// concurrent registrations of the same name are resolved deterministically
// so all nodes converge on the same winner.
//
// Convergence is eventual, not linearizable: two nodes may briefly disagree
// about a name while updates are in flight. The conflict rule is: earlier
// RegisteredAt wins; on a timestamp tie, the lower hash of the origin NodeId
// wins. Every node applies the same rule to the same inputs.
package globalregistry

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/wire"
)

// Sender is the transport capability this package needs.
type Sender interface {
	Send(peer nodeid.NodeId, raw []byte) error
	ConnectedPeers() []nodeid.NodeId
}

// GlobalNameConflict is returned by Register when the name is already owned
// by an entry that wins under the conflict rule.
type GlobalNameConflict struct {
	Name         string
	ExistingNode nodeid.NodeId
}

func (e *GlobalNameConflict) Error() string {
	return fmt.Sprintf("globalregistry: name %q already registered by %s", e.Name, e.ExistingNode)
}

// GlobalNameNotFound is returned by Lookup on a miss.
type GlobalNameNotFound struct{ Name string }

func (e *GlobalNameNotFound) Error() string {
	return fmt.Sprintf("globalregistry: name %q not found", e.Name)
}

// Entry is one globally registered name.
type Entry struct {
	Name string
	Ref  nodeid.Ref

	// EntryId disambiguates retransmitted updates for the same registration.
	EntryId string

	// RegisteredAtMicros is the registration wall-clock time in microseconds;
	// it is the primary conflict-resolution input, so microsecond granularity
	// keeps genuinely concurrent registrations distinguishable.
	RegisteredAtMicros int64

	Origin nodeid.NodeId
}

// RegisteredAt returns the entry's registration time.
func (e Entry) RegisteredAt() time.Time { return time.UnixMicro(e.RegisteredAtMicros) }

type wireEntry struct {
	Name               string `json:"name"`
	ServerId           string `json:"serverId"`
	NodeId             string `json:"nodeId"`
	EntryId            string `json:"entryId"`
	RegisteredAtMicros int64  `json:"registeredAtUs"`
	Origin             string `json:"originNode"`
}

type registryUpdatePayload struct {
	Op    string    `json:"op"` // "register" or "unregister"
	Entry wireEntry `json:"entry"`
}

type registrySyncPayload struct {
	Entries []wireEntry `json:"entries"`
}

// Registry is one node's copy of the global name map.
type Registry struct {
	self   nodeid.NodeId
	sender Sender
	secret []byte
	bus    *event.Bus

	mu      sync.Mutex
	entries map[string]Entry
}

// Config configures a Registry.
type Config struct {
	Self   nodeid.NodeId
	Sender Sender
	Secret []byte
	Bus    *event.Bus
}

// New builds an empty global registry for one node.
func New(cfg Config) *Registry {
	if cfg.Bus == nil {
		cfg.Bus = event.Default
	}
	return &Registry{
		self:    cfg.Self,
		sender:  cfg.Sender,
		secret:  cfg.Secret,
		bus:     cfg.Bus,
		entries: make(map[string]Entry),
	}
}

// originHash is the deterministic tiebreaker: lower hash of the origin
// NodeId string wins a RegisteredAt tie.
func originHash(n nodeid.NodeId) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(n.String()))
	return h.Sum32()
}

// wins reports whether a beats b under the conflict rule.
func wins(a, b Entry) bool {
	if a.RegisteredAtMicros != b.RegisteredAtMicros {
		return a.RegisteredAtMicros < b.RegisteredAtMicros
	}
	return originHash(a.Origin) < originHash(b.Origin)
}

// Register claims name for serverId on this node and broadcasts the claim to
// every connected peer. If the name is already held by a winning entry, it
// fails with GlobalNameConflict and nothing is broadcast.
func (r *Registry) Register(name, serverId string) (Entry, error) {
	entry := Entry{
		Name:               name,
		Ref:                nodeid.Ref{ServerId: serverId, Node: r.self},
		EntryId:            uuid.NewString(),
		RegisteredAtMicros: time.Now().UnixMicro(),
		Origin:             r.self,
	}

	r.mu.Lock()
	if existing, ok := r.entries[name]; ok && existing.EntryId != entry.EntryId {
		if !wins(entry, existing) {
			r.mu.Unlock()
			return Entry{}, &GlobalNameConflict{Name: name, ExistingNode: existing.Origin}
		}
		// We beat a concurrent claim already visible locally: replace it and
		// let the broadcast converge the rest of the cluster.
		r.publishConflictResolved(name, entry, existing)
	}
	r.entries[name] = entry
	r.mu.Unlock()

	r.broadcast("register", entry)
	return entry, nil
}

// Unregister removes name. Only the owning node may unregister; other nodes
// converge via the broadcast.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return &GlobalNameNotFound{Name: name}
	}
	if !entry.Origin.Equals(r.self) {
		r.mu.Unlock()
		return fmt.Errorf("globalregistry: name %q is owned by %s, not this node", name, entry.Origin)
	}
	delete(r.entries, name)
	r.mu.Unlock()

	r.broadcast("unregister", entry)
	return nil
}

// Lookup returns the authoritative entry for name as this node currently
// sees it, failing with GlobalNameNotFound on a miss.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, &GlobalNameNotFound{Name: name}
	}
	return entry, nil
}

// Whereis is Lookup without the error on a miss.
func (r *Registry) Whereis(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Count returns the number of names this node currently tracks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List snapshots every tracked entry.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) broadcast(op string, entry Entry) {
	payload := registryUpdatePayload{Op: op, Entry: toWire(entry)}
	raw, err := wire.Encode(wire.KindRegistryUpdate, payload, r.secret)
	if err != nil {
		return
	}
	for _, peer := range r.sender.ConnectedPeers() {
		_ = r.sender.Send(peer, raw)
	}
}

// SyncWith sends peer a registry_sync carrying every entry this node owns.
// Called when a peer connection is established; both sides send one, and
// each side merges what it receives under the conflict rule.
func (r *Registry) SyncWith(peer nodeid.NodeId) {
	r.mu.Lock()
	owned := make([]wireEntry, 0)
	for _, e := range r.entries {
		if e.Origin.Equals(r.self) {
			owned = append(owned, toWire(e))
		}
	}
	r.mu.Unlock()

	raw, err := wire.Encode(wire.KindRegistrySync, registrySyncPayload{Entries: owned}, r.secret)
	if err != nil {
		return
	}
	_ = r.sender.Send(peer, raw)
}

// HandleMessage merges inbound registry_update and registry_sync envelopes.
func (r *Registry) HandleMessage(peer nodeid.NodeId, env wire.Envelope) {
	switch env.Kind {
	case wire.KindRegistryUpdate:
		var payload registryUpdatePayload
		if err := wire.Unmarshal(env, &payload); err != nil {
			return
		}
		entry, err := fromWire(payload.Entry)
		if err != nil {
			return
		}
		switch payload.Op {
		case "register":
			r.merge(entry)
		case "unregister":
			r.applyUnregister(entry)
		}
	case wire.KindRegistrySync:
		var payload registrySyncPayload
		if err := wire.Unmarshal(env, &payload); err != nil {
			return
		}
		for _, we := range payload.Entries {
			entry, err := fromWire(we)
			if err != nil {
				continue
			}
			r.merge(entry)
		}
	}
}

// merge applies one remote registration under the conflict rule.
func (r *Registry) merge(incoming Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[incoming.Name]
	if !ok {
		r.entries[incoming.Name] = incoming
		return
	}
	if existing.EntryId == incoming.EntryId {
		return // retransmit of an entry we already hold
	}
	if wins(incoming, existing) {
		r.entries[incoming.Name] = incoming
		r.publishConflictResolved(incoming.Name, incoming, existing)
		return
	}
	// The existing entry wins; if the loser originated here, our local claim
	// has been superseded cluster-wide and the caller finds out via the
	// conflictResolved event. The losing server itself is left untouched.
	r.publishConflictResolved(incoming.Name, existing, incoming)
}

// applyUnregister removes name, but only if the broadcast matches the entry
// we hold; a stale unregister for a name since re-registered is ignored.
func (r *Registry) applyUnregister(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[entry.Name]
	if !ok || existing.EntryId != entry.EntryId {
		return
	}
	delete(r.entries, entry.Name)
}

// OnNodeDown removes every entry originating at the lost node. No broadcast
// is needed: every other node performs the same cleanup locally.
func (r *Registry) OnNodeDown(node nodeid.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.Origin.Equals(node) {
			delete(r.entries, name)
		}
	}
}

func (r *Registry) publishConflictResolved(name string, winner, loser Entry) {
	r.bus.Publish(event.Event{
		Kind:     event.KindConflictResolved,
		ServerId: winner.Ref.ServerId,
		NodeId:   winner.Origin.String(),
		Extra: map[string]any{
			"name":       name,
			"winnerNode": winner.Origin.String(),
			"loserNode":  loser.Origin.String(),
		},
	})
}

func toWire(e Entry) wireEntry {
	return wireEntry{
		Name:               e.Name,
		ServerId:           e.Ref.ServerId,
		NodeId:             e.Ref.Node.String(),
		EntryId:            e.EntryId,
		RegisteredAtMicros: e.RegisteredAtMicros,
		Origin:             e.Origin.String(),
	}
}

func fromWire(we wireEntry) (Entry, error) {
	refNode, err := nodeid.Parse(we.NodeId)
	if err != nil {
		return Entry{}, err
	}
	origin, err := nodeid.Parse(we.Origin)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Name:               we.Name,
		Ref:                nodeid.Ref{ServerId: we.ServerId, Node: refNode},
		EntryId:            we.EntryId,
		RegisteredAtMicros: we.RegisteredAtMicros,
		Origin:             origin,
	}, nil
}
