// Package genserver implements the server runtime: a per-server FIFO
// message queue serialized behind exactly one handler invocation at a time,
// call/cast/stop semantics, init timeouts, crash capture, and
// lifecycle-event emission.
//
// Concurrency model: many servers run concurrently, but within one server
// at most one Behavior invocation is ever in flight.
package genserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/nodeid"
	"golang.org/x/time/rate"
)

// Status is a server's lifecycle state.
type Status int32

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const defaultInitTimeoutMs = 5000

// StartOptions configures Start.
type StartOptions struct {
	// Args is passed to Behavior.Init verbatim.
	Args any

	// InitTimeoutMs bounds Init; defaults to 5000.
	InitTimeoutMs int64

	// MaxQueueLen enables back-pressure: 0 means unbounded.
	MaxQueueLen int

	// RateLimit, if non-nil, additionally gates Call/Cast enqueue; a
	// request denied by the limiter fails the same way an exceeded
	// MaxQueueLen does.
	RateLimit *rate.Limiter

	// Bus is the lifecycle-event publisher to emit on; defaults to
	// event.Default.
	Bus *event.Bus

	// NodeId is attached to emitted events for cluster-wide introspection;
	// empty for a purely local node.
	NodeId string
}

type callItem struct {
	msg   any
	reply chan callOutcome
}

type callOutcome struct {
	reply any
	err   error
}

type castItem struct {
	msg any
}

type stopItem struct {
	reason error
	done   chan struct{}
}

// Server is one running instance of a Behavior.
type Server struct {
	id     string
	nodeID string
	bus    *event.Bus

	behavior Behavior

	status    int32 // atomic Status
	startedAt time.Time
	processed uint64 // atomic

	maxQueueLen int
	limiter     *rate.Limiter

	mu    sync.Mutex
	cond  *sync.Cond
	queue []any
	state any

	// terminateOnce guards the terminal transition: graceful stop, crash and
	// force-terminate may race, and exactly one of them runs Terminate and
	// emits the terminal lifecycle event.
	terminateOnce sync.Once

	done chan struct{} // closed once the loop has fully exited
}

// Start allocates a ServerId, runs Init under InitTimeoutMs, and on success
// starts the message pump. On failure the server never becomes observable
// as running and Start returns an *InitFailed error.
func Start(behavior Behavior, opts StartOptions) (*Server, error) {
	if opts.InitTimeoutMs <= 0 {
		opts.InitTimeoutMs = defaultInitTimeoutMs
	}
	if opts.Bus == nil {
		opts.Bus = event.Default
	}

	s := &Server{
		id:          nodeid.NewServerId(),
		nodeID:      opts.NodeId,
		bus:         opts.Bus,
		behavior:    behavior,
		maxQueueLen: opts.MaxQueueLen,
		limiter:     opts.RateLimit,
		done:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	atomic.StoreInt32(&s.status, int32(StatusInitializing))

	state, err := runInit(behavior, opts.Args, opts.InitTimeoutMs)
	if err != nil {
		atomic.StoreInt32(&s.status, int32(StatusStopped))
		close(s.done)
		return nil, &InitFailed{ServerId: s.id, Cause: err}
	}

	s.state = state
	s.startedAt = time.Now()
	atomic.StoreInt32(&s.status, int32(StatusRunning))

	go s.loop()

	s.publish(event.KindStarted, nil)
	return s, nil
}

func runInit(b Behavior, args any, timeoutMs int64) (state any, err error) {
	type result struct {
		state any
		err   error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: errPanicInHandler{r}}
			}
		}()
		st, err := b.Init(args)
		resCh <- result{state: st, err: err}
	}()

	select {
	case r := <-resCh:
		return r.state, r.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil, errInitTimeout{}
	}
}

// Id returns the server's process-unique identifier.
func (s *Server) Id() string { return s.id }

func (s *Server) status_() Status { return Status(atomic.LoadInt32(&s.status)) }

// IsRunning reports whether the server is currently in the running state.
func (s *Server) IsRunning() bool { return s.status_() == StatusRunning }

// Call enqueues msg and awaits a reply, a CallTimeout, or a
// ServerNotRunning error.
func (s *Server) Call(msg any, timeoutMs int64) (any, error) {
	if s.status_() != StatusRunning {
		return nil, &ServerNotRunning{ServerId: s.id}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, &Overloaded{ServerId: s.id, QueueLen: s.queueLen()}
	}

	item := &callItem{msg: msg, reply: make(chan callOutcome, 1)}

	s.mu.Lock()
	if s.maxQueueLen > 0 && len(s.queue) >= s.maxQueueLen {
		s.mu.Unlock()
		return nil, &Overloaded{ServerId: s.id, QueueLen: s.maxQueueLen}
	}
	if s.status_() != StatusRunning {
		s.mu.Unlock()
		return nil, &ServerNotRunning{ServerId: s.id}
	}
	s.queue = append(s.queue, item)
	s.cond.Signal()
	s.mu.Unlock()

	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	select {
	case out := <-item.reply:
		return out.reply, out.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		// The message is not removed from the queue: if still pending it
		// will be processed later and its reply discarded.
		return nil, &CallTimeout{ServerId: s.id, TimeoutMs: timeoutMs}
	}
}

// Cast enqueues msg without awaiting. Errors from HandleCast surface only
// as a crashed lifecycle event, never to the caller of Cast.
func (s *Server) Cast(msg any) error {
	if s.status_() != StatusRunning {
		return &ServerNotRunning{ServerId: s.id}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return &Overloaded{ServerId: s.id, QueueLen: s.queueLen()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxQueueLen > 0 && len(s.queue) >= s.maxQueueLen {
		return &Overloaded{ServerId: s.id, QueueLen: s.maxQueueLen}
	}
	if s.status_() != StatusRunning {
		return &ServerNotRunning{ServerId: s.id}
	}
	s.queue = append(s.queue, &castItem{msg: msg})
	s.cond.Signal()
	return nil
}

// Stop requests graceful shutdown: calls queued ahead of the stop are
// rejected with ServerNotRunning and queued casts are discarded, then
// Terminate runs, then the server becomes stopped.
func (s *Server) Stop(reason error) {
	item := &stopItem{reason: reason, done: make(chan struct{})}
	s.mu.Lock()
	if s.status_() == StatusStopped {
		s.mu.Unlock()
		return
	}
	atomic.CompareAndSwapInt32(&s.status, int32(StatusRunning), int32(StatusStopping))
	s.queue = append(s.queue, item)
	s.cond.Signal()
	s.mu.Unlock()

	// s.done covers the race where the loop already exited (e.g. a
	// concurrent crash drained and discarded this stopItem) before ever
	// reaching it; without this, Stop would block forever on an orphaned
	// item.
	select {
	case <-item.done:
	case <-s.done:
	}
}

// ForceTerminate stops the server without waiting for a currently running
// handler invocation to finish; used by supervisors on shutdown timeout. It
// proceeds even when a graceful Stop is already in flight (the usual case:
// Stop has transitioned the server to stopping and a handler is hanging);
// whichever path finalizes first wins via terminateOnce.
func (s *Server) ForceTerminate(reason error) {
	for {
		cur := Status(atomic.LoadInt32(&s.status))
		if cur == StatusStopped {
			return
		}
		if atomic.CompareAndSwapInt32(&s.status, int32(cur), int32(StatusStopping)) {
			break
		}
	}
	s.runShutdown(reason, true)
}

func (s *Server) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats is the introspection snapshot returned by GetStats.
type Stats struct {
	ServerId          string
	Status            Status
	StartedAt         time.Time
	UptimeMs          int64
	QueueLen          int
	ProcessedMessages uint64
	StateSizeEstimate int
}

// GetStats returns status, uptime, queue depth, processed-message count and
// an implementation-defined estimate of state memory size.
func (s *Server) GetStats() Stats {
	s.mu.Lock()
	qlen := len(s.queue)
	st := s.state
	s.mu.Unlock()

	return Stats{
		ServerId:          s.id,
		Status:            s.status_(),
		StartedAt:         s.startedAt,
		UptimeMs:          time.Since(s.startedAt).Milliseconds(),
		QueueLen:          qlen,
		ProcessedMessages: atomic.LoadUint64(&s.processed),
		StateSizeEstimate: estimateSize(st),
	}
}

// Snapshot invokes the behavior's optional Snapshot hook against the
// server's current state. This is the call point a persistence adapter
// drives; the runtime itself never persists anything. Returns nil bytes when
// the behavior has no Snapshot hook.
func (s *Server) Snapshot() ([]byte, error) {
	if s.behavior.Snapshot == nil {
		return nil, nil
	}
	return s.behavior.Snapshot(s.readState())
}

// Restore replaces the server's state from a snapshot via the behavior's
// optional Restore hook. Intended to be called right after Start, before the
// server has processed application messages.
func (s *Server) Restore(data []byte) error {
	if s.behavior.Restore == nil {
		return nil
	}
	state, err := s.behavior.Restore(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

func (s *Server) publish(kind event.Kind, reason error) {
	s.bus.Publish(event.Event{Kind: kind, ServerId: s.id, NodeId: s.nodeID, Reason: reason})
}
