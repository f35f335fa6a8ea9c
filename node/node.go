// Package node assembles the full runtime for one cluster participant: the
// server runtime, local and global registries, behavior catalogue, cluster
// transport and membership, remote call/spawn/monitor, and the introspection
// surface, behind a single handle.
//
// A Node's long-running loops — heartbeat emission, failure detection, and
// cluster-event dispatch — run as services under a suture supervision tree,
// with suture's event stream bridged into the structured logger.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/hamicek/nexus/catalogue"
	"github.com/hamicek/nexus/clusterconfig"
	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
	"github.com/hamicek/nexus/globalregistry"
	"github.com/hamicek/nexus/internal/logging"
	"github.com/hamicek/nexus/introspection"
	"github.com/hamicek/nexus/localtable"
	"github.com/hamicek/nexus/membership"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/pendingcall"
	"github.com/hamicek/nexus/registry"
	"github.com/hamicek/nexus/remotecall"
	"github.com/hamicek/nexus/remotemonitor"
	"github.com/hamicek/nexus/remotespawn"
	"github.com/hamicek/nexus/transport"
	"github.com/hamicek/nexus/wire"
)

// Status is the node's lifecycle state.
type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ClusterNotStarted is returned by cluster operations before Start.
type ClusterNotStarted struct{}

func (e *ClusterNotStarted) Error() string { return "node: cluster not started" }

// Config configures a Node. FromClusterConfig builds one from the file/env
// configuration; embedding applications may also fill it directly.
type Config struct {
	Self   nodeid.NodeId
	Seeds  []nodeid.NodeId
	Secret []byte

	HeartbeatIntervalMs    int64
	HeartbeatMissThreshold int
	ReconnectBaseDelayMs   int64
	ReconnectMaxDelayMs    int64
	MaxFrameBytes          uint32

	// CallTimeoutMs is the default timeout applied when a call site passes
	// a non-positive timeout.
	CallTimeoutMs int64

	// Bus defaults to a fresh bus per node so two in-process nodes don't
	// observe each other's lifecycle events.
	Bus *event.Bus

	// Catalogue defaults to catalogue.Default.
	Catalogue *catalogue.Catalogue

	// Registerer, when non-nil, enables Prometheus metrics for this node.
	Registerer prometheus.Registerer
}

// FromClusterConfig maps the loaded file/env configuration onto a node
// Config.
func FromClusterConfig(cc *clusterconfig.Config) (Config, error) {
	self, err := cc.Self()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Self:                   self,
		Seeds:                  cc.SeedIds(),
		Secret:                 cc.Secret(),
		HeartbeatIntervalMs:    cc.HeartbeatIntervalMs,
		HeartbeatMissThreshold: cc.HeartbeatMissThreshold,
		ReconnectBaseDelayMs:   cc.ReconnectBaseDelayMs,
		ReconnectMaxDelayMs:    cc.ReconnectMaxDelayMs,
		MaxFrameBytes:          cc.MaxFrameBytes,
		CallTimeoutMs:          cc.CallTimeoutMs,
	}, nil
}

// Node is one cluster participant.
type Node struct {
	cfg Config
	bus *event.Bus
	cat *catalogue.Catalogue

	tr       *transport.Transport
	member   *membership.Membership
	local    *localtable.Table
	names    *registry.Registry
	pending  *pendingcall.Table
	calls    *remotecall.Client
	spawns   *remotespawn.Handler
	monitors *remotemonitor.Registry
	global   *globalregistry.Registry

	collector *introspection.Collector
	metrics   *introspection.Metrics

	tree       *suture.Supervisor
	treeCancel context.CancelFunc
	treeErr    <-chan error

	mu     sync.Mutex
	status Status
}

// New wires a Node's components together without touching the network.
func New(cfg Config) (*Node, error) {
	if cfg.Self.Name == "" {
		return nil, fmt.Errorf("node: config Self is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = event.New()
	}
	if cfg.Catalogue == nil {
		cfg.Catalogue = catalogue.Default
	}
	if cfg.CallTimeoutMs <= 0 {
		cfg.CallTimeoutMs = 5000
	}

	n := &Node{
		cfg:    cfg,
		bus:    cfg.Bus,
		cat:    cfg.Catalogue,
		status: StatusStarting,
	}

	n.tr = transport.New(transport.Config{
		Self:                 cfg.Self,
		Secret:               cfg.Secret,
		MaxFrameBytes:        cfg.MaxFrameBytes,
		ReconnectBaseDelayMs: cfg.ReconnectBaseDelayMs,
		ReconnectMaxDelayMs:  cfg.ReconnectMaxDelayMs,
	})

	n.local = localtable.New(cfg.Bus)
	n.names = registry.New(registry.Unique, cfg.Bus)
	n.pending = pendingcall.New()

	n.member = membership.New(membership.Config{
		Self:                   cfg.Self,
		Seeds:                  cfg.Seeds,
		Secret:                 cfg.Secret,
		HeartbeatIntervalMs:    cfg.HeartbeatIntervalMs,
		HeartbeatMissThreshold: cfg.HeartbeatMissThreshold,
		ProcessCount:           n.local.Count,
		Bus:                    cfg.Bus,
	}, n.tr)

	n.calls = remotecall.New(remotecall.Config{
		Self: cfg.Self, Sender: n.tr, Secret: cfg.Secret,
		Pending: n.pending, Local: n.local, Bus: cfg.Bus,
	})
	n.spawns = remotespawn.New(remotespawn.Config{
		Self: cfg.Self, Sender: n.tr, Secret: cfg.Secret,
		Pending: n.pending, Catalogue: cfg.Catalogue, Local: n.local, Bus: cfg.Bus,
	})
	n.monitors = remotemonitor.New(remotemonitor.Config{
		Self: cfg.Self, Sender: n.tr, Secret: cfg.Secret,
		Pending: n.pending, Local: n.local, Bus: cfg.Bus,
	})
	n.global = globalregistry.New(globalregistry.Config{
		Self: cfg.Self, Sender: n.tr, Secret: cfg.Secret, Bus: cfg.Bus,
	})

	n.collector = introspection.NewCollector(cfg.Self.String(), n.local, n.member)
	if cfg.Registerer != nil {
		m, err := introspection.NewMetrics(cfg.Registerer, cfg.Bus, n.collector)
		if err != nil {
			return nil, fmt.Errorf("node: register metrics: %w", err)
		}
		n.metrics = m
	}

	n.tr.SetHandlers(n.onMessage, n.onPeerLost)
	n.buildTree()
	return n, nil
}

// buildTree assembles the suture supervision tree the node's loops run
// under, bridging suture's events into the structured logger.
func (n *Node) buildTree() {
	handler := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	n.tree = suture.New("nexus-"+n.cfg.Self.Name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	n.tree.Add(serviceFunc{name: "heartbeat", run: n.member.RunHeartbeat})
	n.tree.Add(serviceFunc{name: "failure-detector", run: n.member.RunFailureDetector})
	n.tree.Add(serviceFunc{name: "cluster-events", run: n.runClusterEvents})
}

// serviceFunc adapts a blocking run function to suture.Service.
type serviceFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error { return s.run(ctx) }
func (s serviceFunc) String() string                  { return s.name }

// Start binds the listener, dials the seeds, and launches the supervised
// loops. The node is addressable by peers once Start returns.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.status != StatusStarting {
		n.mu.Unlock()
		return fmt.Errorf("node %s: already started", n.cfg.Self)
	}
	n.mu.Unlock()

	if err := n.member.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.treeCancel = cancel
	n.treeErr = n.tree.ServeBackground(ctx)

	n.mu.Lock()
	n.status = StatusRunning
	n.mu.Unlock()

	logging.Info().Str("node", n.cfg.Self.String()).Msg("node: started")
	return nil
}

// Stop broadcasts a graceful departure, rejects every in-flight remote
// operation, and tears the node down.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.status != StatusRunning {
		n.mu.Unlock()
		return
	}
	n.status = StatusStopping
	n.mu.Unlock()

	n.member.Stop() // broadcasts node_down_notification, closes transport
	if n.treeCancel != nil {
		n.treeCancel()
		<-n.treeErr
	}
	n.pending.Clear(fmt.Errorf("node %s: shutting down", n.cfg.Self))
	if n.metrics != nil {
		n.metrics.Close()
	}
	n.names.Close()
	n.local.Close()

	n.mu.Lock()
	n.status = StatusStopped
	n.mu.Unlock()
	logging.Info().Str("node", n.cfg.Self.String()).Msg("node: stopped")
}

// Status returns the node's lifecycle state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// onMessage fans every inbound envelope out to the subsystem that owns its
// kind. Delivery order per peer connection is preserved because the
// transport invokes this serially per connection.
func (n *Node) onMessage(peer nodeid.NodeId, env wire.Envelope) {
	switch env.Kind {
	case wire.KindHeartbeat, wire.KindNodeDownNotify:
		n.member.HandleMessage(peer, env)
	case wire.KindCallRequest, wire.KindCallReply, wire.KindCast:
		n.calls.HandleMessage(peer, env)
	case wire.KindSpawnRequest, wire.KindSpawnReply, wire.KindSpawnError, wire.KindStopRequest:
		n.spawns.HandleMessage(peer, env)
	case wire.KindMonitorRequest, wire.KindMonitorAck, wire.KindDemonitorRequest, wire.KindProcessDown:
		n.monitors.HandleMessage(peer, env)
	case wire.KindRegistrySync, wire.KindRegistryUpdate:
		n.global.HandleMessage(peer, env)
	}
}

func (n *Node) onPeerLost(peer nodeid.NodeId, reason string) {
	n.member.HandlePeerLost(peer, reason)
}

// runClusterEvents reacts to node_up/node_down lifecycle events: a lost
// node's in-flight calls are rejected, its monitors resolved with
// noconnection, and its global registrations dropped; a fresh node gets a
// registry_sync snapshot.
func (n *Node) runClusterEvents(ctx context.Context) error {
	sub := n.bus.Subscribe(256)
	defer sub.Unsubscribe()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case event.KindNodeDown:
				peer, err := nodeid.Parse(ev.NodeId)
				if err != nil {
					continue
				}
				n.pending.RejectAllForNode(peer, &remotecall.NodeNotReachable{NodeId: peer})
				n.monitors.OnNodeDown(peer)
				n.global.OnNodeDown(peer)
			case event.KindNodeUp:
				peer, err := nodeid.Parse(ev.NodeId)
				if err != nil {
					continue
				}
				n.global.SyncWith(peer)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Self returns this node's identity.
func (n *Node) Self() nodeid.NodeId { return n.cfg.Self }

// Bus returns the node's lifecycle-event bus.
func (n *Node) Bus() *event.Bus { return n.bus }

// Registry returns the node's local name registry.
func (n *Node) Registry() *registry.Registry { return n.names }

// Catalogue returns the node's behavior catalogue.
func (n *Node) Catalogue() *catalogue.Catalogue { return n.cat }

// Introspection returns the node's introspection collector.
func (n *Node) Introspection() *introspection.Collector { return n.collector }

// Addr returns the bound listener address once Start has succeeded.
func (n *Node) Addr() string {
	if a := n.tr.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// GetConnectedNodes lists every peer currently considered connected.
func (n *Node) GetConnectedNodes() []nodeid.NodeId {
	return n.member.GetConnectedNodes()
}

// StartServer starts a behavior locally and makes it remotely addressable.
// name, when non-empty, also registers the server in the local registry.
func (n *Node) StartServer(behavior genserver.Behavior, opts genserver.StartOptions, name string) (*genserver.Server, error) {
	opts.Bus = n.bus
	opts.NodeId = n.cfg.Self.String()
	srv, err := genserver.Start(behavior, opts)
	if err != nil {
		return nil, err
	}
	n.local.Add(srv)
	if name != "" {
		if err := n.names.Register(name, srv, nil); err != nil {
			srv.Stop(err)
			return nil, err
		}
	}
	return srv, nil
}

// Ref builds the serialized reference for a local server.
func (n *Node) Ref(srv *genserver.Server) nodeid.Ref {
	return nodeid.Ref{ServerId: srv.Id(), Node: n.cfg.Self}
}

// Call routes a call to ref, locally or across the cluster.
func (n *Node) Call(ref nodeid.Ref, msg any, timeoutMs int64) (any, error) {
	if timeoutMs <= 0 {
		timeoutMs = n.cfg.CallTimeoutMs
	}
	if ref.Node.Equals(n.cfg.Self) {
		srv, ok := n.local.Get(ref.ServerId)
		if !ok {
			return nil, &genserver.ServerNotRunning{ServerId: ref.ServerId}
		}
		return srv.Call(msg, timeoutMs)
	}
	if n.Status() != StatusRunning {
		return nil, &ClusterNotStarted{}
	}
	return n.calls.Call(ref.Node, ref.ServerId, msg, timeoutMs)
}

// Cast routes a cast to ref, locally or across the cluster.
func (n *Node) Cast(ref nodeid.Ref, msg any) error {
	if ref.Node.Equals(n.cfg.Self) {
		srv, ok := n.local.Get(ref.ServerId)
		if !ok {
			return &genserver.ServerNotRunning{ServerId: ref.ServerId}
		}
		return srv.Cast(msg)
	}
	if n.Status() != StatusRunning {
		return &ClusterNotStarted{}
	}
	return n.calls.Cast(ref.Node, ref.ServerId, msg)
}

// Spawn instantiates a catalogued behavior on target, which may be this
// node.
func (n *Node) Spawn(target nodeid.NodeId, behaviorName string, args any, timeoutMs int64) (nodeid.Ref, error) {
	if target.Equals(n.cfg.Self) {
		behavior, err := n.cat.Get(behaviorName)
		if err != nil {
			return nodeid.Ref{}, err
		}
		srv, err := n.StartServer(behavior, genserver.StartOptions{Args: args, InitTimeoutMs: timeoutMs}, "")
		if err != nil {
			return nodeid.Ref{}, err
		}
		return n.Ref(srv), nil
	}
	if n.Status() != StatusRunning {
		return nodeid.Ref{}, &ClusterNotStarted{}
	}
	return n.spawns.Spawn(target, behaviorName, args, timeoutMs)
}

// Monitor places a one-shot monitor on a remote server owned by
// monitoringRef. For a local target, watch the lifecycle bus instead.
func (n *Node) Monitor(monitoringRef, target nodeid.Ref, timeoutMs int64) (string, <-chan remotemonitor.ProcessDown, error) {
	if n.Status() != StatusRunning {
		return "", nil, &ClusterNotStarted{}
	}
	return n.monitors.Monitor(monitoringRef, target, timeoutMs)
}

// Demonitor cancels an outstanding monitor; a no-op for unknown ids.
func (n *Node) Demonitor(monitorId string) { n.monitors.Demonitor(monitorId) }

// GlobalRegister claims a cluster-wide name for a local server.
func (n *Node) GlobalRegister(name string, srv *genserver.Server) (globalregistry.Entry, error) {
	return n.global.Register(name, srv.Id())
}

// GlobalUnregister releases a cluster-wide name owned by this node.
func (n *Node) GlobalUnregister(name string) error { return n.global.Unregister(name) }

// GlobalLookup resolves a cluster-wide name.
func (n *Node) GlobalLookup(name string) (globalregistry.Entry, error) {
	return n.global.Lookup(name)
}

// GlobalWhereis resolves a cluster-wide name without an error on a miss.
func (n *Node) GlobalWhereis(name string) (globalregistry.Entry, bool) {
	return n.global.Whereis(name)
}

// PendingCallStats snapshots the pending-call table counters.
func (n *Node) PendingCallStats() pendingcall.Stats { return n.pending.Stats() }
