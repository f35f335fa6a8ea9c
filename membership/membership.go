// Package membership implements cluster membership: seed join, periodic
// heartbeat gossip, missed-heartbeat failure detection, and node-up /
// node-down lifecycle events, layered on top of package transport.
//
// The heartbeat and failure-detector loops are blocking Run* methods so the
// owning node can run them as supervised services.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/transport"
	"github.com/hamicek/nexus/wire"
)

// Status is a peer connection's lifecycle state.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Node-down reasons.
const (
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonConnectionClosed  = "connection_closed"
	ReasonConnectionRefused = "connection_refused"
	ReasonGracefulShutdown  = "graceful_shutdown"
)

// NodeInfo is the introspection snapshot for one known peer.
type NodeInfo struct {
	Id              nodeid.NodeId
	Status          Status
	ProcessCount    int
	LastHeartbeatAt time.Time
	ConnectedSince  time.Time
}

// Config configures a Membership instance.
type Config struct {
	Self                   nodeid.NodeId
	Seeds                  []nodeid.NodeId
	Secret                 []byte
	HeartbeatIntervalMs    int64
	HeartbeatMissThreshold int
	ReconnectBaseDelayMs   int64
	ReconnectMaxDelayMs    int64
	MaxFrameBytes          uint32

	// ProcessCount is polled once per heartbeat tick to report this node's
	// load, used by the distributed supervisor's least_loaded selector.
	ProcessCount func() int

	Bus *event.Bus
}

const (
	defaultHeartbeatIntervalMs    = 5000
	defaultHeartbeatMissThreshold = 3
)

type heartbeatPayload struct {
	NodeId       string   `json:"nodeId"`
	ProcessCount int      `json:"processCount"`
	KnownNodes   []string `json:"knownNodes"`
}

type nodeDownNotifyPayload struct {
	NodeId string `json:"nodeId"`
}

// Membership tracks the set of known peers and drives the heartbeat/gossip
// and failure-detection loops over a transport.Transport.
type Membership struct {
	cfg  Config
	tr   *transport.Transport
	bus  *event.Bus

	mu    sync.Mutex
	peers map[string]*NodeInfo

	stopped bool
}

// New constructs a Membership bound to tr. The caller owns tr's handler
// wiring: route heartbeat and node_down_notification envelopes to
// HandleMessage and connection losses to HandlePeerLost.
func New(cfg Config, tr *transport.Transport) *Membership {
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	if cfg.HeartbeatMissThreshold <= 0 {
		cfg.HeartbeatMissThreshold = defaultHeartbeatMissThreshold
	}
	if cfg.Bus == nil {
		cfg.Bus = event.Default
	}
	return &Membership{
		cfg:   cfg,
		tr:    tr,
		bus:   cfg.Bus,
		peers: make(map[string]*NodeInfo),
	}
}

// Start binds the listener and dials every seed. The heartbeat and
// failure-detection loops are started separately via RunHeartbeat and
// RunFailureDetector so they can live under a supervisor.
func (m *Membership) Start() error {
	if err := m.tr.Listen(); err != nil {
		return err
	}
	for _, seed := range m.cfg.Seeds {
		if seed.Equals(m.cfg.Self) {
			continue
		}
		m.markConnecting(seed)
		m.tr.Dial(seed)
	}
	return nil
}

func (m *Membership) markConnecting(peer nodeid.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer.String()]; !ok {
		m.peers[peer.String()] = &NodeInfo{Id: peer, Status: StatusConnecting}
	}
}

// RunHeartbeat emits heartbeat gossip every HeartbeatIntervalMs until ctx is
// cancelled. It blocks; run it as a supervised service.
func (m *Membership) RunHeartbeat(ctx context.Context) error {
	interval := time.Duration(m.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.emitHeartbeat()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Membership) emitHeartbeat() {
	procCount := 0
	if m.cfg.ProcessCount != nil {
		procCount = m.cfg.ProcessCount()
	}
	known := m.knownNodeStrings()
	payload := heartbeatPayload{NodeId: m.cfg.Self.String(), ProcessCount: procCount, KnownNodes: known}
	raw, err := wire.Encode(wire.KindHeartbeat, payload, m.cfg.Secret)
	if err != nil {
		return
	}
	for _, peer := range m.tr.ConnectedPeers() {
		_ = m.tr.Send(peer, raw)
	}
}

func (m *Membership) knownNodeStrings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers)+1)
	out = append(out, m.cfg.Self.String())
	for _, info := range m.peers {
		if info.Status != StatusDisconnected {
			out = append(out, info.Id.String())
		}
	}
	return out
}

// RunFailureDetector sweeps for missed heartbeats at the heartbeat interval
// until ctx is cancelled: any connected peer silent for longer than
// interval*threshold is marked disconnected and a node_down is published.
func (m *Membership) RunFailureDetector(ctx context.Context) error {
	interval := time.Duration(m.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Membership) sweep() {
	threshold := time.Duration(m.cfg.HeartbeatIntervalMs*int64(m.cfg.HeartbeatMissThreshold)) * time.Millisecond
	now := time.Now()

	var timedOut []nodeid.NodeId
	m.mu.Lock()
	for _, info := range m.peers {
		if info.Status == StatusConnected && now.Sub(info.LastHeartbeatAt) > threshold {
			info.Status = StatusDisconnected
			timedOut = append(timedOut, info.Id)
		}
	}
	m.mu.Unlock()

	for _, peer := range timedOut {
		m.publishNodeDown(peer, ReasonHeartbeatTimeout)
	}
}

// HandleMessage consumes the membership-owned envelope kinds. Kinds owned by
// other subsystems are ignored, so a fan-out that over-delivers is harmless.
func (m *Membership) HandleMessage(peer nodeid.NodeId, env wire.Envelope) {
	switch env.Kind {
	case wire.KindHeartbeat:
		m.handleHeartbeat(peer, env)
	case wire.KindNodeDownNotify:
		m.handleNodeDownNotify(peer, env)
	}
}

func (m *Membership) handleHeartbeat(peer nodeid.NodeId, env wire.Envelope) {
	var payload heartbeatPayload
	if err := wire.Unmarshal(env, &payload); err != nil {
		return
	}
	wasConnected := m.markConnected(peer, payload.ProcessCount)
	if !wasConnected {
		m.publishNodeUp(peer)
	}
	for _, s := range payload.KnownNodes {
		known, err := nodeid.Parse(s)
		if err != nil || known.Equals(m.cfg.Self) {
			continue
		}
		m.mu.Lock()
		_, seen := m.peers[known.String()]
		m.mu.Unlock()
		if !seen {
			m.markConnecting(known)
			m.tr.Dial(known)
		}
	}
}

// markConnected records a heartbeat from peer; returns true if the peer was
// already connected (so callers can tell a fresh connection from a steady
// one and only emit node_up once).
func (m *Membership) markConnected(peer nodeid.NodeId, processCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.peers[peer.String()]
	if !ok {
		info = &NodeInfo{Id: peer}
		m.peers[peer.String()] = info
	}
	wasConnected := info.Status == StatusConnected
	info.Status = StatusConnected
	info.ProcessCount = processCount
	info.LastHeartbeatAt = time.Now()
	if !wasConnected {
		info.ConnectedSince = time.Now()
	}
	return wasConnected
}

func (m *Membership) handleNodeDownNotify(peer nodeid.NodeId, env wire.Envelope) {
	var payload nodeDownNotifyPayload
	if err := wire.Unmarshal(env, &payload); err != nil {
		return
	}
	down, err := nodeid.Parse(payload.NodeId)
	if err != nil {
		return
	}
	m.mu.Lock()
	if info, ok := m.peers[down.String()]; ok {
		info.Status = StatusDisconnected
	}
	m.mu.Unlock()
	m.publishNodeDown(down, ReasonGracefulShutdown)
}

// HandlePeerLost records a dropped connection and publishes node_down unless
// the peer was already reported down.
func (m *Membership) HandlePeerLost(peer nodeid.NodeId, reason string) {
	m.mu.Lock()
	info, ok := m.peers[peer.String()]
	alreadyDown := ok && info.Status == StatusDisconnected
	if ok {
		info.Status = StatusDisconnected
	}
	m.mu.Unlock()
	if alreadyDown {
		return // already reported via graceful_shutdown or heartbeat_timeout
	}
	m.publishNodeDown(peer, reason)
}

func (m *Membership) publishNodeUp(peer nodeid.NodeId) {
	m.bus.Publish(event.Event{Kind: event.KindNodeUp, NodeId: peer.String()})
}

func (m *Membership) publishNodeDown(peer nodeid.NodeId, reason string) {
	m.bus.Publish(event.Event{
		Kind:   event.KindNodeDown,
		NodeId: peer.String(),
		Extra:  map[string]any{"reason": reason},
	})
}

// GetConnectedNodes returns every peer currently in StatusConnected.
func (m *Membership) GetConnectedNodes() []nodeid.NodeId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]nodeid.NodeId, 0, len(m.peers))
	for _, info := range m.peers {
		if info.Status == StatusConnected {
			out = append(out, info.Id)
		}
	}
	return out
}

// GetNodeInfo returns the tracked info for peer, if any.
func (m *Membership) GetNodeInfo(peer nodeid.NodeId) (NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.peers[peer.String()]
	if !ok {
		return NodeInfo{}, false
	}
	return *info, true
}

// ListNodes returns a snapshot of every known peer, connected or not.
func (m *Membership) ListNodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeInfo, 0, len(m.peers))
	for _, info := range m.peers {
		out = append(out, *info)
	}
	return out
}

// Stop broadcasts a node_down_notification to every connected peer so they
// can distinguish this clean departure from a later failure, then closes the
// transport. The Run* loops stop via their contexts.
func (m *Membership) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	payload := nodeDownNotifyPayload{NodeId: m.cfg.Self.String()}
	if raw, err := wire.Encode(wire.KindNodeDownNotify, payload, m.cfg.Secret); err == nil {
		for _, peer := range m.tr.ConnectedPeers() {
			_ = m.tr.Send(peer, raw)
		}
	}

	m.tr.Close()
}
