// Package introspection exposes a single node's runtime state — servers,
// supervisors, the process tree, and the cluster view — to external
// collaborators: dashboards, metrics exporters, debugging tools. It reads
// through the same tables the runtime itself uses and never mutates them.
package introspection

import (
	"sort"
	"sync"
	"time"

	"github.com/hamicek/nexus/distsupervisor"
	"github.com/hamicek/nexus/genserver"
	"github.com/hamicek/nexus/localtable"
	"github.com/hamicek/nexus/membership"
	"github.com/hamicek/nexus/supervisor"
)

// ServerInfo is the introspection snapshot for one server.
type ServerInfo struct {
	ServerId          string `json:"serverId"`
	Status            string `json:"status"`
	UptimeMs          int64  `json:"uptimeMs"`
	QueueLen          int    `json:"queueLen"`
	ProcessedMessages uint64 `json:"processedMessages"`
	StateSizeEstimate int    `json:"stateSizeEstimate"`
}

// SupervisorInfo is the introspection snapshot for one supervisor, local or
// distributed.
type SupervisorInfo struct {
	SupervisorId string      `json:"supervisorId"`
	Distributed  bool        `json:"distributed"`
	Children     []ChildInfo `json:"children"`
	Active       int         `json:"active"`
}

// ChildInfo flattens the local and distributed child records into one shape.
type ChildInfo struct {
	Id           string `json:"id"`
	ServerId     string `json:"serverId"`
	NodeId       string `json:"nodeId,omitempty"`
	Running      bool   `json:"running"`
	RestartCount int    `json:"restartCount"`
}

// TreeNode is one node of the process-tree view: the root is the node
// itself, its children are supervisors, and their children are servers.
type TreeNode struct {
	Label    string     `json:"label"`
	Kind     string     `json:"kind"` // "node", "supervisor", "server"
	Children []TreeNode `json:"children,omitempty"`
}

// NodeView is the cluster introspection snapshot for one known peer,
// aggregated from heartbeat gossip.
type NodeView struct {
	NodeId          string    `json:"nodeId"`
	Status          string    `json:"status"`
	ProcessCount    int       `json:"processCount"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Collector gathers introspection data for one node.
type Collector struct {
	self  string
	local *localtable.Table

	mu         sync.Mutex
	supervisor map[string]*supervisor.Supervisor
	distSup    map[string]*distsupervisor.Supervisor
	member     *membership.Membership
}

// NewCollector builds a Collector over the node's local server table.
// Membership is optional; without it ClusterNodes returns only this node.
func NewCollector(self string, local *localtable.Table, member *membership.Membership) *Collector {
	return &Collector{
		self:       self,
		local:      local,
		member:     member,
		supervisor: make(map[string]*supervisor.Supervisor),
		distSup:    make(map[string]*distsupervisor.Supervisor),
	}
}

// TrackSupervisor adds a local supervisor to the introspection surface.
func (c *Collector) TrackSupervisor(sv *supervisor.Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supervisor[sv.Id()] = sv
}

// TrackDistSupervisor adds a distributed supervisor to the surface.
func (c *Collector) TrackDistSupervisor(ds *distsupervisor.Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distSup[ds.Id()] = ds
}

// UntrackSupervisor removes a supervisor by id; a no-op for unknown ids.
func (c *Collector) UntrackSupervisor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.supervisor, id)
	delete(c.distSup, id)
}

// ListServers snapshots every locally addressable server, sorted by id.
func (c *Collector) ListServers() []ServerInfo {
	servers := c.local.List()
	out := make([]ServerInfo, 0, len(servers))
	for _, srv := range servers {
		out = append(out, toServerInfo(srv.GetStats()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerId < out[j].ServerId })
	return out
}

func toServerInfo(st genserver.Stats) ServerInfo {
	return ServerInfo{
		ServerId:          st.ServerId,
		Status:            st.Status.String(),
		UptimeMs:          st.UptimeMs,
		QueueLen:          st.QueueLen,
		ProcessedMessages: st.ProcessedMessages,
		StateSizeEstimate: st.StateSizeEstimate,
	}
}

// ListSupervisors snapshots every tracked supervisor, sorted by id.
func (c *Collector) ListSupervisors() []SupervisorInfo {
	c.mu.Lock()
	locals := make([]*supervisor.Supervisor, 0, len(c.supervisor))
	for _, sv := range c.supervisor {
		locals = append(locals, sv)
	}
	dists := make([]*distsupervisor.Supervisor, 0, len(c.distSup))
	for _, ds := range c.distSup {
		dists = append(dists, ds)
	}
	c.mu.Unlock()

	out := make([]SupervisorInfo, 0, len(locals)+len(dists))
	for _, sv := range locals {
		info := SupervisorInfo{SupervisorId: sv.Id()}
		for _, ch := range sv.GetChildren() {
			info.Children = append(info.Children, ChildInfo{
				Id: ch.Id, ServerId: ch.ServerId, Running: ch.Running, RestartCount: ch.RestartCount,
			})
			if ch.Running {
				info.Active++
			}
		}
		out = append(out, info)
	}
	for _, ds := range dists {
		info := SupervisorInfo{SupervisorId: ds.Id(), Distributed: true}
		for _, ch := range ds.GetChildren() {
			info.Children = append(info.Children, ChildInfo{
				Id: ch.Id, ServerId: ch.Ref.ServerId, NodeId: ch.Ref.Node.String(),
				Running: ch.Running, RestartCount: ch.RestartCount,
			})
			if ch.Running {
				info.Active++
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupervisorId < out[j].SupervisorId })
	return out
}

// ProcessTree renders the node's supervision structure. Servers not owned by
// any tracked supervisor appear directly under the root.
func (c *Collector) ProcessTree() TreeNode {
	root := TreeNode{Label: c.self, Kind: "node"}

	supervised := make(map[string]bool)
	for _, info := range c.ListSupervisors() {
		supNode := TreeNode{Label: info.SupervisorId, Kind: "supervisor"}
		for _, ch := range info.Children {
			label := ch.Id
			if ch.ServerId != "" {
				label = ch.Id + " (" + ch.ServerId + ")"
				supervised[ch.ServerId] = true
			}
			supNode.Children = append(supNode.Children, TreeNode{Label: label, Kind: "server"})
		}
		root.Children = append(root.Children, supNode)
	}

	for _, srv := range c.ListServers() {
		if !supervised[srv.ServerId] {
			root.Children = append(root.Children, TreeNode{Label: srv.ServerId, Kind: "server"})
		}
	}
	return root
}

// ClusterNodes aggregates the cluster view this node holds: itself plus
// every peer known through heartbeat gossip.
func (c *Collector) ClusterNodes() []NodeView {
	out := []NodeView{{
		NodeId:       c.self,
		Status:       "connected",
		ProcessCount: c.local.Count(),
	}}
	if c.member == nil {
		return out
	}
	for _, info := range c.member.ListNodes() {
		out = append(out, NodeView{
			NodeId:          info.Id.String(),
			Status:          info.Status.String(),
			ProcessCount:    info.ProcessCount,
			LastHeartbeatAt: info.LastHeartbeatAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out
}
