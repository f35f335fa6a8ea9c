// Package remotemonitor implements cross-node monitors: an outgoing
// registry of monitors this node initiated, an incoming registry of
// monitors other nodes placed on local servers, the
// monitor_request/monitor_ack/process_down/demonitor_request protocol, and
// noconnection semantics on peer loss.
package remotemonitor

import (
	"fmt"
	"sync"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/localtable"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/pendingcall"
	"github.com/hamicek/nexus/wire"
)

// Sender is the transport capability this package needs.
type Sender interface {
	Send(peer nodeid.NodeId, raw []byte) error
	IsConnected(peer nodeid.NodeId) bool
}

// DownReason enumerates process_down reasons.
type DownReason string

const (
	ReasonNormal       DownReason = "normal"
	ReasonShutdown     DownReason = "shutdown"
	ReasonError        DownReason = "error"
	ReasonNoproc       DownReason = "noproc"
	ReasonNoconnection DownReason = "noconnection"
	ReasonKilled       DownReason = "killed"
)

// ProcessDown is delivered exactly once per monitor; monitors are
// single-shot.
type ProcessDown struct {
	MonitorId string
	Monitored nodeid.Ref
	Reason    DownReason
}

// RemoteMonitorTimeout is returned when monitor_ack does not arrive within
// the caller's timeout.
type RemoteMonitorTimeout struct {
	MonitorId string
	NodeId    nodeid.NodeId
}

func (e *RemoteMonitorTimeout) Error() string {
	return fmt.Sprintf("remotemonitor: monitor %s ack from %s timed out", e.MonitorId, e.NodeId)
}

// DuplicateMonitor is returned by the receiver when (initiator, target) is
// already monitored.
type DuplicateMonitor struct {
	Initiator nodeid.Ref
	Target    string
}

func (e *DuplicateMonitor) Error() string {
	return fmt.Sprintf("remotemonitor: %s already monitors %s", e.Initiator, e.Target)
}

type monitorRequestPayload struct {
	MonitorId     string `json:"monitorId"`
	MonitoringRef string `json:"monitoringRef"`
	MonitoredId   string `json:"monitoredId"`
}

type monitorAckPayload struct {
	MonitorId string `json:"monitorId"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

type demonitorPayload struct {
	MonitorId string `json:"monitorId"`
}

type processDownPayload struct {
	MonitorId   string `json:"monitorId"`
	MonitoredId string `json:"monitoredId"`
	Reason      string `json:"reason"`
}

type outgoingEntry struct {
	monitored nodeid.Ref
	ch        chan ProcessDown
	delivered bool
}

type incomingEntry struct {
	initiator nodeid.Ref
	monitored string
	node      nodeid.NodeId
	sub       *event.Subscription
}

// Registry implements both the outgoing and incoming monitor registries for
// one node.
type Registry struct {
	self    nodeid.NodeId
	sender  Sender
	secret  []byte
	pending *pendingcall.Table
	local   *localtable.Table
	bus     *event.Bus

	mu       sync.Mutex
	outgoing map[string]*outgoingEntry
	incoming map[string]*incomingEntry
	dupCheck map[string]string // "initiatorServerId|monitoredServerId" -> monitorId
}

// Config configures a Registry.
type Config struct {
	Self    nodeid.NodeId
	Sender  Sender
	Secret  []byte
	Pending *pendingcall.Table
	Local   *localtable.Table
	Bus     *event.Bus
}

// New builds a remote-monitor Registry.
func New(cfg Config) *Registry {
	if cfg.Bus == nil {
		cfg.Bus = event.Default
	}
	return &Registry{
		self:     cfg.Self,
		sender:   cfg.Sender,
		secret:   cfg.Secret,
		pending:  cfg.Pending,
		local:    cfg.Local,
		bus:      cfg.Bus,
		outgoing: make(map[string]*outgoingEntry),
		incoming: make(map[string]*incomingEntry),
		dupCheck: make(map[string]string),
	}
}

// Monitor places a monitor on target, owned by monitoringRef. It blocks
// until monitor_ack arrives (or RemoteMonitorTimeout), then returns a
// channel that receives exactly one ProcessDown.
func (r *Registry) Monitor(monitoringRef, target nodeid.Ref, timeoutMs int64) (string, <-chan ProcessDown, error) {
	if !r.sender.IsConnected(target.Node) {
		return "", nil, fmt.Errorf("remotemonitor: node %s not reachable", target.Node)
	}
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	monitorId := nodeid.NewMonitorId()
	ch := make(chan ProcessDown, 1)

	r.mu.Lock()
	r.outgoing[monitorId] = &outgoingEntry{monitored: target, ch: ch}
	r.mu.Unlock()

	ackCh := r.pending.Register(monitorId, target.ServerId, target.Node, timeoutMs)
	payload := monitorRequestPayload{MonitorId: monitorId, MonitoringRef: monitoringRef.String(), MonitoredId: target.ServerId}
	raw, err := wire.Encode(wire.KindMonitorRequest, payload, r.secret)
	if err != nil {
		r.removeOutgoing(monitorId)
		return "", nil, err
	}
	if err := r.sender.Send(target.Node, raw); err != nil {
		r.removeOutgoing(monitorId)
		r.pending.Reject(monitorId, err)
		return "", nil, err
	}

	ack := <-ackCh
	if ack.Err != nil {
		r.removeOutgoing(monitorId)
		if _, ok := ack.Err.(*pendingcall.CallTimeout); ok {
			return "", nil, &RemoteMonitorTimeout{MonitorId: monitorId, NodeId: target.Node}
		}
		return "", nil, ack.Err
	}
	return monitorId, ch, nil
}

// Demonitor cancels an outstanding monitor. A no-op for an unknown or
// already-resolved monitorId.
func (r *Registry) Demonitor(monitorId string) {
	entry := r.removeOutgoing(monitorId)
	if entry == nil {
		return
	}
	payload := demonitorPayload{MonitorId: monitorId}
	raw, err := wire.Encode(wire.KindDemonitorRequest, payload, r.secret)
	if err != nil {
		return
	}
	_ = r.sender.Send(entry.monitored.Node, raw)
}

func (r *Registry) removeOutgoing(monitorId string) *outgoingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.outgoing[monitorId]
	if !ok {
		return nil
	}
	delete(r.outgoing, monitorId)
	return entry
}

func (r *Registry) deliver(monitorId string, reason DownReason) {
	entry := r.removeOutgoing(monitorId)
	if entry == nil || entry.delivered {
		return
	}
	entry.delivered = true
	entry.ch <- ProcessDown{MonitorId: monitorId, Monitored: entry.monitored, Reason: reason}
}

// HandleMessage dispatches every remote-monitor wire kind.
func (r *Registry) HandleMessage(peer nodeid.NodeId, env wire.Envelope) {
	switch env.Kind {
	case wire.KindMonitorRequest:
		r.handleMonitorRequest(peer, env)
	case wire.KindMonitorAck:
		r.handleMonitorAck(env)
	case wire.KindDemonitorRequest:
		r.handleDemonitorRequest(peer, env)
	case wire.KindProcessDown:
		r.handleProcessDown(env)
	}
}

func (r *Registry) handleMonitorRequest(peer nodeid.NodeId, env wire.Envelope) {
	var req monitorRequestPayload
	if err := wire.Unmarshal(env, &req); err != nil {
		return
	}
	dupKey := req.MonitoringRef + "|" + req.MonitoredId
	r.mu.Lock()
	if existing, ok := r.dupCheck[dupKey]; ok && existing != req.MonitorId {
		r.mu.Unlock()
		r.ackFail(peer, req.MonitorId, (&DuplicateMonitor{Target: req.MonitoredId}).Error())
		return
	}
	r.mu.Unlock()

	srv, ok := r.local.Get(req.MonitoredId)
	if !ok {
		r.ackSuccess(peer, req.MonitorId)
		r.sendProcessDown(peer, req.MonitorId, req.MonitoredId, ReasonNoproc)
		return
	}

	sub := r.bus.Subscribe(16)
	r.mu.Lock()
	r.dupCheck[dupKey] = req.MonitorId
	r.incoming[req.MonitorId] = &incomingEntry{monitored: req.MonitoredId, node: peer, sub: sub}
	r.mu.Unlock()

	r.ackSuccess(peer, req.MonitorId)

	// The server may have terminated between the liveness check and the
	// subscription, in which case its lifecycle event is already gone.
	// Re-check under the registered watch so exactly one process_down still
	// goes out.
	if !srv.IsRunning() {
		r.mu.Lock()
		_, live := r.incoming[req.MonitorId]
		if live {
			delete(r.incoming, req.MonitorId)
			r.dropDupCheckLocked(req.MonitorId)
		}
		r.mu.Unlock()
		sub.Unsubscribe()
		if live {
			r.sendProcessDown(peer, req.MonitorId, req.MonitoredId, ReasonNoproc)
		}
		return
	}

	go r.watchIncoming(req.MonitorId, srv.Id(), sub)
}

func (r *Registry) watchIncoming(monitorId, serverId string, sub *event.Subscription) {
	for ev := range sub.Events() {
		if ev.ServerId != serverId {
			continue
		}
		if ev.Kind != event.KindTerminated && ev.Kind != event.KindCrashed {
			continue
		}
		reason := ReasonNormal
		if ev.Kind == event.KindCrashed {
			reason = ReasonError
		} else if ev.Reason != nil {
			reason = ReasonShutdown
		}
		r.mu.Lock()
		entry, ok := r.incoming[monitorId]
		if ok {
			delete(r.incoming, monitorId)
			r.dropDupCheckLocked(monitorId)
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		r.sendProcessDown(entry.node, monitorId, serverId, reason)
		return
	}
}

func (r *Registry) ackSuccess(peer nodeid.NodeId, monitorId string) {
	r.sendAck(peer, monitorAckPayload{MonitorId: monitorId, Success: true})
}

func (r *Registry) ackFail(peer nodeid.NodeId, monitorId string, reason string) {
	r.sendAck(peer, monitorAckPayload{MonitorId: monitorId, Success: false, Reason: reason})
}

func (r *Registry) sendAck(peer nodeid.NodeId, payload monitorAckPayload) {
	raw, err := wire.Encode(wire.KindMonitorAck, payload, r.secret)
	if err != nil {
		return
	}
	_ = r.sender.Send(peer, raw)
}

func (r *Registry) sendProcessDown(peer nodeid.NodeId, monitorId, monitoredId string, reason DownReason) {
	payload := processDownPayload{MonitorId: monitorId, MonitoredId: monitoredId, Reason: string(reason)}
	raw, err := wire.Encode(wire.KindProcessDown, payload, r.secret)
	if err != nil {
		return
	}
	_ = r.sender.Send(peer, raw)
}

func (r *Registry) handleMonitorAck(env wire.Envelope) {
	var ack monitorAckPayload
	if err := wire.Unmarshal(env, &ack); err != nil {
		return
	}
	if ack.Success {
		r.pending.Resolve(ack.MonitorId, nil)
		return
	}
	r.pending.Reject(ack.MonitorId, fmt.Errorf("remotemonitor: %s", ack.Reason))
}

func (r *Registry) handleDemonitorRequest(peer nodeid.NodeId, env wire.Envelope) {
	var req demonitorPayload
	if err := wire.Unmarshal(env, &req); err != nil {
		return
	}
	r.mu.Lock()
	entry, ok := r.incoming[req.MonitorId]
	if ok {
		delete(r.incoming, req.MonitorId)
		r.dropDupCheckLocked(req.MonitorId)
	}
	r.mu.Unlock()
	if ok {
		entry.sub.Unsubscribe()
	}
}

// dropDupCheckLocked removes the duplicate-suppression entry for a resolved
// monitor so the same (initiator, target) pair can be monitored again later.
func (r *Registry) dropDupCheckLocked(monitorId string) {
	for k, v := range r.dupCheck {
		if v == monitorId {
			delete(r.dupCheck, k)
		}
	}
}

func (r *Registry) handleProcessDown(env wire.Envelope) {
	var payload processDownPayload
	if err := wire.Unmarshal(env, &payload); err != nil {
		return
	}
	r.deliver(payload.MonitorId, DownReason(payload.Reason))
}

// OnNodeDown resolves every outgoing monitor to node with a synthetic
// noconnection process_down, and silently discards every incoming monitor
// from node.
func (r *Registry) OnNodeDown(node nodeid.NodeId) {
	r.mu.Lock()
	var affectedOutgoing []string
	for id, e := range r.outgoing {
		if e.monitored.Node.Equals(node) {
			affectedOutgoing = append(affectedOutgoing, id)
		}
	}
	var affectedIncoming []string
	for id, e := range r.incoming {
		if e.node.Equals(node) {
			affectedIncoming = append(affectedIncoming, id)
		}
	}
	for _, id := range affectedIncoming {
		if e, ok := r.incoming[id]; ok {
			e.sub.Unsubscribe()
		}
		delete(r.incoming, id)
		r.dropDupCheckLocked(id)
	}
	r.mu.Unlock()

	for _, id := range affectedOutgoing {
		r.deliver(id, ReasonNoconnection)
	}
}
