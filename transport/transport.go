// Package transport implements the cluster transport: a single TCP
// listener plus per-peer dialers, length-prefixed authenticated framing
// (via package wire), at most one full-duplex connection per peer with a
// deterministic simultaneous-dial tiebreaker, and exponential-backoff
// reconnection.
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hamicek/nexus/internal/logging"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/wire"
)

// direction records which side dialed a connection, used only to resolve
// the simultaneous-dial tiebreaker.
type direction int

const (
	outbound direction = iota
	inbound
)

type peerConn struct {
	peer      nodeid.NodeId
	conn      net.Conn
	dir       direction
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		_ = pc.conn.Close()
		close(pc.done)
	})
}

// Config configures a Transport.
type Config struct {
	Self                 nodeid.NodeId
	Secret               []byte
	MaxFrameBytes        uint32
	ReconnectBaseDelayMs int64
	ReconnectMaxDelayMs  int64

	OnMessage  func(peer nodeid.NodeId, env wire.Envelope)
	OnPeerLost func(peer nodeid.NodeId, reason string)
}

// Transport owns the listener and every peer connection for one node.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	peers    map[string]*peerConn
	dialing  map[string]bool
	listener net.Listener
	stopped  bool
	stopCh   chan struct{}
}

const defaultMaxFrameBytes = wire.DefaultMaxFrameBytes

// New builds a Transport. Listen must be called separately to start
// accepting inbound connections.
func New(cfg Config) *Transport {
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.ReconnectBaseDelayMs <= 0 {
		cfg.ReconnectBaseDelayMs = 1000
	}
	if cfg.ReconnectMaxDelayMs <= 0 {
		cfg.ReconnectMaxDelayMs = 30000
	}
	return &Transport{
		cfg:     cfg,
		peers:   make(map[string]*peerConn),
		dialing: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Listen binds the configured host:port and starts accepting connections.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.cfg.Self.Host, t.cfg.Self.Port))
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	go t.acceptLoop(ln)
	return nil
}

// SetHandlers wires the message/peer-lost callbacks. Must be called before
// Listen/Dial so no event races the assignment.
func (t *Transport) SetHandlers(onMessage func(nodeid.NodeId, wire.Envelope), onPeerLost func(nodeid.NodeId, string)) {
	t.cfg.OnMessage = onMessage
	t.cfg.OnPeerLost = onPeerLost
}

// Addr returns the bound listener address (useful when Port 0 was
// requested); nil before Listen succeeds.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				logging.Warn().Err(err).Msg("transport: accept failed")
				return
			}
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	peer, err := t.serverHandshake(conn)
	if err != nil {
		logging.Warn().Err(err).Msg("transport: inbound handshake failed")
		_ = conn.Close()
		return
	}
	pc := &peerConn{peer: peer, conn: conn, dir: inbound, done: make(chan struct{})}
	t.adoptConnection(pc)
}

// Dial establishes (or ensures a reconnect loop toward) a connection to
// peer. It returns immediately; connection happens in the background with
// exponential backoff on failure.
func (t *Transport) Dial(peer nodeid.NodeId) {
	key := peer.String()
	t.mu.Lock()
	if t.dialing[key] || t.hasPeerLocked(key) {
		t.mu.Unlock()
		return
	}
	t.dialing[key] = true
	t.mu.Unlock()

	go t.dialLoop(peer)
}

func (t *Transport) hasPeerLocked(key string) bool {
	_, ok := t.peers[key]
	return ok
}

func (t *Transport) dialLoop(peer nodeid.NodeId) {
	delay := time.Duration(t.cfg.ReconnectBaseDelayMs) * time.Millisecond
	maxDelay := time.Duration(t.cfg.ReconnectMaxDelayMs) * time.Millisecond

	defer func() {
		t.mu.Lock()
		delete(t.dialing, peer.String())
		t.mu.Unlock()
	}()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", peer.Host, peer.Port), 5*time.Second)
		if err != nil {
			logging.Debug().Err(err).Str("peer", peer.String()).Msg("transport: dial failed, backing off")
			if !t.sleepOrStop(delay) {
				return
			}
			delay = nextBackoff(delay, maxDelay)
			continue
		}

		if err := t.clientHandshake(conn, peer); err != nil {
			logging.Debug().Err(err).Str("peer", peer.String()).Msg("transport: handshake failed, backing off")
			_ = conn.Close()
			if !t.sleepOrStop(delay) {
				return
			}
			delay = nextBackoff(delay, maxDelay)
			continue
		}

		pc := &peerConn{peer: peer, conn: conn, dir: outbound, done: make(chan struct{})}
		if t.adoptConnection(pc) {
			// Reconnect backoff resets on a successful handshake;
			// wait for loss before dialing again.
			<-pc.done
			delay = time.Duration(t.cfg.ReconnectBaseDelayMs) * time.Millisecond
		}

		select {
		case <-t.stopCh:
			return
		default:
		}
		if !t.sleepOrStop(delay) {
			return
		}
	}
}

func (t *Transport) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-t.stopCh:
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

type handshakePayload struct {
	NodeId string `json:"nodeId"`
	Nonce  string `json:"nonce"`
}

func (t *Transport) clientHandshake(conn net.Conn, expectedPeer nodeid.NodeId) error {
	env, err := wire.Encode(wire.KindHandshake, handshakePayload{NodeId: t.cfg.Self.String()}, t.cfg.Secret)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		return err
	}
	raw, err := wire.ReadFrame(conn, t.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	inEnv, err := wire.Decode(raw, t.cfg.Secret)
	if err != nil {
		return err
	}
	var payload handshakePayload
	if err := wire.Unmarshal(inEnv, &payload); err != nil {
		return err
	}
	peer, err := nodeid.Parse(payload.NodeId)
	if err != nil {
		return fmt.Errorf("transport: peer sent invalid node id: %w", err)
	}
	if !peer.Equals(expectedPeer) {
		return fmt.Errorf("transport: dialed %s but peer identified as %s", expectedPeer, peer)
	}
	return nil
}

func (t *Transport) serverHandshake(conn net.Conn) (nodeid.NodeId, error) {
	raw, err := wire.ReadFrame(conn, t.cfg.MaxFrameBytes)
	if err != nil {
		return nodeid.NodeId{}, err
	}
	inEnv, err := wire.Decode(raw, t.cfg.Secret)
	if err != nil {
		return nodeid.NodeId{}, err
	}
	var payload handshakePayload
	if err := wire.Unmarshal(inEnv, &payload); err != nil {
		return nodeid.NodeId{}, err
	}
	peer, err := nodeid.Parse(payload.NodeId)
	if err != nil {
		return nodeid.NodeId{}, fmt.Errorf("transport: peer sent invalid node id: %w", err)
	}

	env, err := wire.Encode(wire.KindHandshake, handshakePayload{NodeId: t.cfg.Self.String()}, t.cfg.Secret)
	if err != nil {
		return nodeid.NodeId{}, err
	}
	if err := wire.WriteFrame(conn, env); err != nil {
		return nodeid.NodeId{}, err
	}
	return peer, nil
}

// adoptConnection applies the simultaneous-dial tiebreaker:
// keep the connection whose outbound NodeId compares lexicographically
// smaller, close the other. Returns true if pc became (or remained) the
// canonical connection and its read loop was started.
func (t *Transport) adoptConnection(pc *peerConn) bool {
	key := pc.peer.String()
	keepOutbound := t.cfg.Self.Less(pc.peer)
	newIsOutbound := pc.dir == outbound
	keepNew := newIsOutbound == keepOutbound

	t.mu.Lock()
	existing, ok := t.peers[key]
	if !ok {
		t.peers[key] = pc
		t.mu.Unlock()
		go t.readLoop(pc)
		return true
	}
	if !keepNew {
		t.mu.Unlock()
		pc.close()
		return false
	}
	t.peers[key] = pc
	t.mu.Unlock()
	existing.close()
	go t.readLoop(pc)
	return true
}

func (t *Transport) readLoop(pc *peerConn) {
	defer func() {
		pc.close()
		t.mu.Lock()
		if t.peers[pc.peer.String()] == pc {
			delete(t.peers, pc.peer.String())
		}
		t.mu.Unlock()
		if t.cfg.OnPeerLost != nil {
			t.cfg.OnPeerLost(pc.peer, "connection_closed")
		}
	}()

	for {
		raw, err := wire.ReadFrame(pc.conn, t.cfg.MaxFrameBytes)
		if err != nil {
			if err != io.EOF {
				logging.Debug().Err(err).Str("peer", pc.peer.String()).Msg("transport: read failed")
			}
			return
		}
		env, err := wire.Decode(raw, t.cfg.Secret)
		if err != nil {
			logging.Warn().Err(err).Str("peer", pc.peer.String()).Msg("transport: decode/auth failed, closing")
			return
		}
		if t.cfg.OnMessage != nil {
			t.cfg.OnMessage(pc.peer, env)
		}
	}
}

// Send fire-and-forgets raw bytes (already wire.Encode'd) to peer. Writes to
// a given connection are serialized.
func (t *Transport) Send(peer nodeid.NodeId, raw []byte) error {
	t.mu.Lock()
	pc, ok := t.peers[peer.String()]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no connection to %s", peer)
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return wire.WriteFrame(pc.conn, raw)
}

// IsConnected reports whether a canonical connection to peer currently
// exists.
func (t *Transport) IsConnected(peer nodeid.NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peer.String()]
	return ok
}

// ConnectedPeers returns every peer with a live connection.
func (t *Transport) ConnectedPeers() []nodeid.NodeId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]nodeid.NodeId, 0, len(t.peers))
	for _, pc := range t.peers {
		out = append(out, pc.peer)
	}
	return out
}

// Close stops the listener and every peer connection.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	ln := t.listener
	peers := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.mu.Unlock()

	close(t.stopCh)
	if ln != nil {
		_ = ln.Close()
	}
	for _, pc := range peers {
		pc.close()
	}
}
