package node

import (
	"sync"
	"time"

	"github.com/hamicek/nexus/distsupervisor"
	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/supervisor"
)

// The Node is the distsupervisor.Fabric for supervisors it hosts: placement
// candidates come from membership, spawns route through Spawn, and watches
// are lifecycle subscriptions locally or remote monitors across the wire.

// Candidates returns the connected remote nodes eligible for placement.
func (n *Node) Candidates() []nodeid.NodeId {
	return n.member.GetConnectedNodes()
}

// StopRef terminates a server this node placed, locally or remotely, giving
// it timeoutMs to stop gracefully.
func (n *Node) StopRef(ref nodeid.Ref, reason string, timeoutMs int64) {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	if ref.Node.Equals(n.cfg.Self) {
		srv, ok := n.local.Get(ref.ServerId)
		if !ok {
			return
		}
		done := make(chan struct{})
		go func() {
			srv.Stop(stopReason{reason})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
			srv.ForceTerminate(stopReason{reason})
		}
		return
	}
	_ = n.spawns.Stop(ref.Node, ref.ServerId, reason, timeoutMs)
}

// nodeFabric adapts a Node to distsupervisor.Fabric. It exists because
// distsupervisor.Fabric requires a Stop(ref, reason, timeoutMs) method,
// which collides with Node's own no-arg Stop (lifecycle shutdown); every
// other Fabric method is promoted straight through from the embedded Node.
type nodeFabric struct{ *Node }

// Stop implements distsupervisor.Fabric.
func (f nodeFabric) Stop(ref nodeid.Ref, reason string, timeoutMs int64) {
	f.Node.StopRef(ref, reason, timeoutMs)
}

type stopReason struct{ msg string }

func (e stopReason) Error() string { return e.msg }

// Watch implements distsupervisor.Fabric: it delivers exactly one DownEvent
// for ref. Local refs are watched through the lifecycle bus; remote refs get
// a cluster monitor whose process_down (including the synthetic noconnection
// on peer loss) is translated into the DownEvent.
func (n *Node) Watch(ref nodeid.Ref) (<-chan distsupervisor.DownEvent, func(), error) {
	if ref.Node.Equals(n.cfg.Self) {
		return n.watchLocal(ref)
	}
	return n.watchRemote(ref)
}

func (n *Node) watchLocal(ref nodeid.Ref) (<-chan distsupervisor.DownEvent, func(), error) {
	out := make(chan distsupervisor.DownEvent, 1)

	if _, ok := n.local.Get(ref.ServerId); !ok {
		out <- distsupervisor.DownEvent{Ref: ref, Reason: "noproc"}
		return out, func() {}, nil
	}

	sub := n.bus.Subscribe(64)
	stop := make(chan struct{})
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.ServerId != ref.ServerId {
					continue
				}
				switch ev.Kind {
				case event.KindCrashed:
					out <- distsupervisor.DownEvent{Ref: ref, Reason: "error"}
					return
				case event.KindTerminated:
					reason := "normal"
					if ev.Reason != nil {
						reason = "shutdown"
					}
					out <- distsupervisor.DownEvent{Ref: ref, Reason: reason}
					return
				}
			case <-stop:
				return
			}
		}
	}()

	var stopOnce sync.Once
	cancel := func() { stopOnce.Do(func() { close(stop) }) }
	return out, cancel, nil
}

func (n *Node) watchRemote(ref nodeid.Ref) (<-chan distsupervisor.DownEvent, func(), error) {
	// Each watch gets its own monitoring identity so two supervisors
	// watching the same target don't trip the duplicate-monitor rejection.
	watcher := nodeid.Ref{ServerId: nodeid.NewServerId(), Node: n.cfg.Self}
	monitorId, downCh, err := n.monitors.Monitor(watcher, ref, n.cfg.CallTimeoutMs)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan distsupervisor.DownEvent, 1)
	go func() {
		pd, ok := <-downCh
		if !ok {
			return
		}
		out <- distsupervisor.DownEvent{Ref: ref, Reason: string(pd.Reason)}
	}()
	cancel := func() { n.monitors.Demonitor(monitorId) }
	return out, cancel, nil
}

// LeastLoadedSelector builds a least_loaded placement selector backed by the
// process counts carried in heartbeat gossip.
func (n *Node) LeastLoadedSelector() distsupervisor.Selector {
	return distsupervisor.LeastLoaded(func(target nodeid.NodeId) int {
		if target.Equals(n.cfg.Self) {
			return n.local.Count()
		}
		info, ok := n.member.GetNodeInfo(target)
		if !ok {
			return int(^uint(0) >> 1) // unknown nodes sort last
		}
		return info.ProcessCount
	})
}

// NewSupervisor builds a local supervisor on this node's bus and tracks it
// in the introspection surface.
func (n *Node) NewSupervisor(id string, strategy supervisor.Strategy, opts supervisor.Options) *supervisor.Supervisor {
	opts.Bus = n.bus
	sv := supervisor.New(id, strategy, opts)
	n.collector.TrackSupervisor(sv)
	return sv
}

// NewDistSupervisor builds a distributed supervisor placed through this
// node and tracks it in the introspection surface.
func (n *Node) NewDistSupervisor(id string, strategy supervisor.Strategy, opts distsupervisor.Options) *distsupervisor.Supervisor {
	opts.Bus = n.bus
	ds := distsupervisor.New(id, strategy, nodeFabric{n}, opts)
	n.collector.TrackDistSupervisor(ds)
	return ds
}
