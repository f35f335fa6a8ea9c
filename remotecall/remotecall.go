// Package remotecall implements the distribution layer's remote call/cast:
// it sends call_request/cast envelopes over the cluster transport, answers
// them against the local localtable.Table, and correlates replies through
// the pending-call table.
package remotecall

import (
	"fmt"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
	"github.com/hamicek/nexus/localtable"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/pendingcall"
	"github.com/hamicek/nexus/wire"
)

// Sender abstracts the one transport method this package needs, wrapped by
// pendingcall.Client's circuit breaker at the call site.
type Sender interface {
	Send(peer nodeid.NodeId, raw []byte) error
	IsConnected(peer nodeid.NodeId) bool
}

type callRequestPayload struct {
	CallId    string `json:"callId"`
	ServerId  string `json:"serverId"`
	Msg       any    `json:"msg"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type callReplyPayload struct {
	CallId string `json:"callId"`
	Reply  any    `json:"reply,omitempty"`
	ErrMsg string `json:"errMsg,omitempty"`
	NotRun bool   `json:"notRunning,omitempty"`
}

type castPayload struct {
	ServerId string `json:"serverId"`
	Msg      any    `json:"msg"`
}

// NodeNotReachable reports that the transport has no connection to
// the target node when a remote call/cast is attempted.
type NodeNotReachable struct{ NodeId nodeid.NodeId }

func (e *NodeNotReachable) Error() string {
	return fmt.Sprintf("remotecall: node %s not reachable", e.NodeId)
}

// RemoteCallTimeout is surfaced when a remote call's pending-table entry
// times out before a reply arrives.
type RemoteCallTimeout struct {
	CallId string
	NodeId nodeid.NodeId
}

func (e *RemoteCallTimeout) Error() string {
	return fmt.Sprintf("remotecall: call %s to %s timed out", e.CallId, e.NodeId)
}

// remoteServerNotRunning mirrors genserver.ServerNotRunning but is decoded
// from a wire reply rather than a local Server, so it lives here instead of
// importing genserver's concrete type across the node boundary.
type remoteServerNotRunning struct{ ServerId string }

func (e *remoteServerNotRunning) Error() string {
	return fmt.Sprintf("remotecall: server %s is not running on remote node", e.ServerId)
}

// Client implements remote call/cast for one node.
type Client struct {
	self    nodeid.NodeId
	sender  Sender
	secret  []byte
	pending *pendingcall.Table
	cb      *pendingcall.Client
	local   *localtable.Table
	bus     *event.Bus
}

// Config configures a Client.
type Config struct {
	Self    nodeid.NodeId
	Sender  Sender
	Secret  []byte
	Pending *pendingcall.Table
	Local   *localtable.Table
	Bus     *event.Bus
}

// New builds a remote call/cast client bound to one node's transport.
func New(cfg Config) *Client {
	if cfg.Bus == nil {
		cfg.Bus = event.Default
	}
	return &Client{
		self:    cfg.Self,
		sender:  cfg.Sender,
		secret:  cfg.Secret,
		pending: cfg.Pending,
		cb:      pendingcall.NewClient(),
		local:   cfg.Local,
		bus:     cfg.Bus,
	}
}

// Call issues a remote call to serverId on node, awaiting the reply, a
// RemoteCallTimeout, ServerNotRunning, or NodeNotReachable.
func (c *Client) Call(node nodeid.NodeId, serverId string, msg any, timeoutMs int64) (any, error) {
	if !c.sender.IsConnected(node) {
		return nil, &NodeNotReachable{NodeId: node}
	}
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	callId := nodeid.NewCallId()
	ch := c.pending.Register(callId, serverId, node, timeoutMs)

	payload := callRequestPayload{CallId: callId, ServerId: serverId, Msg: msg, TimeoutMs: timeoutMs}
	raw, err := wire.Encode(wire.KindCallRequest, payload, c.secret)
	if err != nil {
		return nil, fmt.Errorf("remotecall: encode call_request: %w", err)
	}
	if err := c.cb.Send(node.String(), func() error { return c.sender.Send(node, raw) }); err != nil {
		c.pending.Reject(callId, &NodeNotReachable{NodeId: node})
		return nil, &NodeNotReachable{NodeId: node}
	}

	out := <-ch
	if out.Err != nil {
		if _, ok := out.Err.(*pendingcall.CallTimeout); ok {
			return nil, &RemoteCallTimeout{CallId: callId, NodeId: node}
		}
		return nil, out.Err
	}
	return out.Reply, nil
}

// Cast fire-and-forgets msg to serverId on node.
func (c *Client) Cast(node nodeid.NodeId, serverId string, msg any) error {
	if !c.sender.IsConnected(node) {
		return &NodeNotReachable{NodeId: node}
	}
	payload := castPayload{ServerId: serverId, Msg: msg}
	raw, err := wire.Encode(wire.KindCast, payload, c.secret)
	if err != nil {
		return fmt.Errorf("remotecall: encode cast: %w", err)
	}
	return c.cb.Send(node.String(), func() error { return c.sender.Send(node, raw) })
}

// HandleMessage answers inbound call_request/cast envelopes against the
// local table and resolves inbound call_reply envelopes against the
// pending-call table. It is wired into the cluster Node's message fan-out.
func (c *Client) HandleMessage(peer nodeid.NodeId, env wire.Envelope) {
	switch env.Kind {
	case wire.KindCallRequest:
		c.handleCallRequest(peer, env)
	case wire.KindCallReply:
		c.handleCallReply(env)
	case wire.KindCast:
		c.handleCast(env)
	}
}

// handleCallRequest answers on a fresh goroutine: the target handler may
// block for the full call timeout, and the transport's per-connection read
// loop must keep draining heartbeats meanwhile.
func (c *Client) handleCallRequest(peer nodeid.NodeId, env wire.Envelope) {
	var req callRequestPayload
	if err := wire.Unmarshal(env, &req); err != nil {
		return
	}
	go c.answerCallRequest(peer, req)
}

func (c *Client) answerCallRequest(peer nodeid.NodeId, req callRequestPayload) {
	reply := callReplyPayload{CallId: req.CallId}

	srv, ok := c.local.Get(req.ServerId)
	if !ok {
		reply.NotRun = true
		reply.ErrMsg = (&remoteServerNotRunning{ServerId: req.ServerId}).Error()
	} else {
		out, err := srv.Call(req.Msg, req.TimeoutMs)
		if err != nil {
			if _, notRunning := err.(*genserver.ServerNotRunning); notRunning {
				reply.NotRun = true
			}
			reply.ErrMsg = err.Error()
		} else {
			reply.Reply = out
		}
	}

	raw, err := wire.Encode(wire.KindCallReply, reply, c.secret)
	if err != nil {
		return
	}
	_ = c.sender.Send(peer, raw)
}

func (c *Client) handleCallReply(env wire.Envelope) {
	var reply callReplyPayload
	if err := wire.Unmarshal(env, &reply); err != nil {
		return
	}
	if reply.NotRun {
		c.pending.RejectServerNotRunning(reply.CallId, "")
		return
	}
	if reply.ErrMsg != "" {
		c.pending.Reject(reply.CallId, fmt.Errorf("remotecall: remote handler error: %s", reply.ErrMsg))
		return
	}
	c.pending.Resolve(reply.CallId, reply.Reply)
}

func (c *Client) handleCast(env wire.Envelope) {
	var cast castPayload
	if err := wire.Unmarshal(env, &cast); err != nil {
		return
	}
	if srv, ok := c.local.Get(cast.ServerId); ok {
		_ = srv.Cast(cast.Msg)
	}
	// A cast to an unknown serverId is silently dropped, matching local
	// Cast's "ignores errors, surfaces only via lifecycle events" contract.
}
