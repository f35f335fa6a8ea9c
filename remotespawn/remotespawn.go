// Package remotespawn implements remote spawn: an outbound
// spawn_request/spawn_reply/spawn_error exchange, correlated via a
// pending-spawn table, and an inbound handler that instantiates a behavior
// from the catalogue and registers the new server in localtable.Table.
package remotespawn

import (
	"fmt"
	"time"

	"github.com/hamicek/nexus/catalogue"
	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
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

// ErrorType enumerates spawn_error reasons.
type ErrorType string

const (
	ErrBehaviorNotFound ErrorType = "behavior_not_found"
	ErrInitFailed       ErrorType = "init_failed"
	ErrTimeout          ErrorType = "timeout"
)

// RemoteSpawnError is returned by Spawn on a spawn_error reply.
type RemoteSpawnError struct {
	SpawnId string
	Type    ErrorType
	Message string
}

func (e *RemoteSpawnError) Error() string {
	return fmt.Sprintf("remotespawn: spawn %s failed (%s): %s", e.SpawnId, e.Type, e.Message)
}

// RemoteSpawnTimeout is returned when no spawn reply arrives in time.
type RemoteSpawnTimeout struct {
	SpawnId string
	NodeId  nodeid.NodeId
}

func (e *RemoteSpawnTimeout) Error() string {
	return fmt.Sprintf("remotespawn: spawn %s to %s timed out", e.SpawnId, e.NodeId)
}

type spawnRequestPayload struct {
	SpawnId      string `json:"spawnId"`
	BehaviorName string `json:"behaviorName"`
	Args         any    `json:"args,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs"`
}

type stopRequestPayload struct {
	ServerId  string `json:"serverId"`
	Reason    string `json:"reason,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type spawnReplyPayload struct {
	SpawnId  string `json:"spawnId"`
	ServerId string `json:"serverId,omitempty"`
	NodeId   string `json:"nodeId,omitempty"`
	ErrType  string `json:"errType,omitempty"`
	ErrMsg   string `json:"errMsg,omitempty"`
}

// Handler implements both sides of remote spawn for one node.
type Handler struct {
	self    nodeid.NodeId
	sender  Sender
	secret  []byte
	pending *pendingcall.Table
	cat     *catalogue.Catalogue
	local   *localtable.Table
	bus     *event.Bus
}

// Config configures a Handler.
type Config struct {
	Self      nodeid.NodeId
	Sender    Sender
	Secret    []byte
	Pending   *pendingcall.Table
	Catalogue *catalogue.Catalogue
	Local     *localtable.Table
	Bus       *event.Bus
}

// New builds a remote-spawn Handler.
func New(cfg Config) *Handler {
	if cfg.Catalogue == nil {
		cfg.Catalogue = catalogue.Default
	}
	if cfg.Bus == nil {
		cfg.Bus = event.Default
	}
	return &Handler{
		self:    cfg.Self,
		sender:  cfg.Sender,
		secret:  cfg.Secret,
		pending: cfg.Pending,
		cat:     cfg.Catalogue,
		local:   cfg.Local,
		bus:     cfg.Bus,
	}
}

// Spawn requests that target instantiate behaviorName with args, returning
// the new server's serialized reference.
func (h *Handler) Spawn(target nodeid.NodeId, behaviorName string, args any, timeoutMs int64) (nodeid.Ref, error) {
	if !h.sender.IsConnected(target) {
		return nodeid.Ref{}, fmt.Errorf("remotespawn: node %s not reachable", target)
	}
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	spawnId := nodeid.NewSpawnId()
	ch := h.pending.Register(spawnId, "", target, timeoutMs)

	payload := spawnRequestPayload{SpawnId: spawnId, BehaviorName: behaviorName, Args: args, TimeoutMs: timeoutMs}
	raw, err := wire.Encode(wire.KindSpawnRequest, payload, h.secret)
	if err != nil {
		return nodeid.Ref{}, fmt.Errorf("remotespawn: encode spawn_request: %w", err)
	}
	if err := h.sender.Send(target, raw); err != nil {
		h.pending.Reject(spawnId, err)
		return nodeid.Ref{}, err
	}

	out := <-ch
	if out.Err != nil {
		if _, ok := out.Err.(*pendingcall.CallTimeout); ok {
			return nodeid.Ref{}, &RemoteSpawnTimeout{SpawnId: spawnId, NodeId: target}
		}
		return nodeid.Ref{}, out.Err
	}
	ref, ok := out.Reply.(nodeid.Ref)
	if !ok {
		return nodeid.Ref{}, fmt.Errorf("remotespawn: malformed spawn reply for %s", spawnId)
	}
	return ref, nil
}

// Stop asks target to stop serverId, giving it timeoutMs to shut down
// gracefully before force-termination. Fire-and-forget: the requester learns
// about the actual termination through its monitor or not at all.
func (h *Handler) Stop(target nodeid.NodeId, serverId string, reason string, timeoutMs int64) error {
	if !h.sender.IsConnected(target) {
		return fmt.Errorf("remotespawn: node %s not reachable", target)
	}
	payload := stopRequestPayload{ServerId: serverId, Reason: reason, TimeoutMs: timeoutMs}
	raw, err := wire.Encode(wire.KindStopRequest, payload, h.secret)
	if err != nil {
		return fmt.Errorf("remotespawn: encode stop_request: %w", err)
	}
	return h.sender.Send(target, raw)
}

// HandleMessage implements both the inbound spawn_request/stop_request
// handlers and the outbound spawn_reply/spawn_error resolution.
func (h *Handler) HandleMessage(peer nodeid.NodeId, env wire.Envelope) {
	switch env.Kind {
	case wire.KindSpawnRequest:
		h.handleSpawnRequest(peer, env)
	case wire.KindSpawnReply:
		h.handleSpawnReply(env)
	case wire.KindSpawnError:
		h.handleSpawnError(env)
	case wire.KindStopRequest:
		h.handleStopRequest(env)
	}
}

func (h *Handler) handleStopRequest(env wire.Envelope) {
	var req stopRequestPayload
	if err := wire.Unmarshal(env, &req); err != nil {
		return
	}
	srv, ok := h.local.Get(req.ServerId)
	if !ok {
		return
	}
	reason := fmt.Errorf("%s", req.Reason)
	go func() {
		done := make(chan struct{})
		go func() {
			srv.Stop(reason)
			close(done)
		}()
		timeoutMs := req.TimeoutMs
		if timeoutMs <= 0 {
			timeoutMs = 5000
		}
		select {
		case <-done:
		case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
			srv.ForceTerminate(reason)
		}
	}()
}

// handleSpawnRequest replies on a fresh goroutine: Init may run for the full
// init timeout and must not stall the transport's read loop.
func (h *Handler) handleSpawnRequest(peer nodeid.NodeId, env wire.Envelope) {
	var req spawnRequestPayload
	if err := wire.Unmarshal(env, &req); err != nil {
		return
	}
	go h.answerSpawnRequest(peer, req)
}

func (h *Handler) answerSpawnRequest(peer nodeid.NodeId, req spawnRequestPayload) {
	behavior, err := h.cat.Get(req.BehaviorName)
	if err != nil {
		h.replyError(peer, req.SpawnId, ErrBehaviorNotFound, err.Error())
		return
	}

	srv, err := genserver.Start(behavior, genserver.StartOptions{Args: req.Args, InitTimeoutMs: req.TimeoutMs, NodeId: h.self.String(), Bus: h.bus})
	if err != nil {
		h.replyError(peer, req.SpawnId, ErrInitFailed, err.Error())
		return
	}
	h.local.Add(srv)

	reply := spawnReplyPayload{SpawnId: req.SpawnId, ServerId: srv.Id(), NodeId: h.self.String()}
	raw, err := wire.Encode(wire.KindSpawnReply, reply, h.secret)
	if err != nil {
		return
	}
	_ = h.sender.Send(peer, raw)
}

func (h *Handler) replyError(peer nodeid.NodeId, spawnId string, errType ErrorType, msg string) {
	reply := spawnReplyPayload{SpawnId: spawnId, ErrType: string(errType), ErrMsg: msg}
	raw, err := wire.Encode(wire.KindSpawnError, reply, h.secret)
	if err != nil {
		return
	}
	_ = h.sender.Send(peer, raw)
}

func (h *Handler) handleSpawnReply(env wire.Envelope) {
	var reply spawnReplyPayload
	if err := wire.Unmarshal(env, &reply); err != nil {
		return
	}
	node, err := nodeid.Parse(reply.NodeId)
	if err != nil {
		return
	}
	h.pending.Resolve(reply.SpawnId, nodeid.Ref{ServerId: reply.ServerId, Node: node})
}

func (h *Handler) handleSpawnError(env wire.Envelope) {
	var reply spawnReplyPayload
	if err := wire.Unmarshal(env, &reply); err != nil {
		return
	}
	h.pending.Reject(reply.SpawnId, &RemoteSpawnError{SpawnId: reply.SpawnId, Type: ErrorType(reply.ErrType), Message: reply.ErrMsg})
}
