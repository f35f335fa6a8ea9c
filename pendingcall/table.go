// Package pendingcall implements the pending-call table: a process-local
// correlation table between outbound remote calls and their eventual
// resolution (reply, timeout, server-not-running, or peer loss).
//
// The outbound send path is additionally wrapped in a
// github.com/sony/gobreaker/v2 circuit breaker (see Client) so a flapping
// peer connection fails fast instead of piling up call timeouts.
package pendingcall

import (
	"sync"
	"time"

	"github.com/hamicek/nexus/nodeid"
)

// Outcome is what a pending call eventually resolves to.
type Outcome struct {
	Reply any
	Err   error
}

type entry struct {
	serverId string
	nodeId   nodeid.NodeId
	ch       chan Outcome
	timer    *time.Timer
	resolved bool
}

// Stats reports table-wide counters.
type Stats struct {
	Pending   int
	Initiated uint64
	Resolved  uint64
	Rejected  uint64
	TimedOut  uint64
}

// Table is a process-local map from callId to its pending entry.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry

	initiated, resolved, rejected, timedOut uint64
}

// New creates an empty pending-call table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register records a new pending call and starts its timeout timer. The
// returned channel receives exactly one Outcome: a reply, a timeout, a
// server-not-running report, or a peer-loss error, whichever happens first.
func (t *Table) Register(callId string, serverId string, node nodeid.NodeId, timeoutMs int64) <-chan Outcome {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	ch := make(chan Outcome, 1)
	e := &entry{serverId: serverId, nodeId: node, ch: ch}

	t.mu.Lock()
	t.entries[callId] = e
	t.initiated++
	t.mu.Unlock()

	e.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		t.timeout(callId)
	})
	return ch
}

func (t *Table) take(callId string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[callId]
	if !ok || e.resolved {
		return nil
	}
	e.resolved = true
	delete(t.entries, callId)
	return e
}

func (t *Table) deliver(e *entry, out Outcome, counter *uint64) {
	if e.timer != nil {
		e.timer.Stop()
	}
	t.mu.Lock()
	*counter++
	t.mu.Unlock()
	e.ch <- out
}

// Resolve delivers a successful reply for callId. A no-op if callId is
// unknown or already resolved.
func (t *Table) Resolve(callId string, reply any) {
	if e := t.take(callId); e != nil {
		t.deliver(e, Outcome{Reply: reply}, &t.resolved)
	}
}

// Reject delivers err as the outcome for callId.
func (t *Table) Reject(callId string, err error) {
	if e := t.take(callId); e != nil {
		t.deliver(e, Outcome{Err: err}, &t.rejected)
	}
}

// RejectServerNotRunning is a convenience wrapper used when a remote reply
// reports the target server is not running.
func (t *Table) RejectServerNotRunning(callId string, serverId string) {
	t.Reject(callId, &genserverNotRunning{ServerId: serverId})
}

func (t *Table) timeout(callId string) {
	if e := t.take(callId); e != nil {
		t.mu.Lock()
		t.timedOut++
		t.mu.Unlock()
		e.ch <- Outcome{Err: &CallTimeout{CallId: callId, ServerId: e.serverId}}
	}
}

// RejectAllForNode resolves every pending call addressed to node with err,
// invoked by the membership layer on node_down.
func (t *Table) RejectAllForNode(node nodeid.NodeId, err error) {
	t.mu.Lock()
	var victims []*entry
	for callId, e := range t.entries {
		if e.nodeId.Equals(node) {
			e.resolved = true
			victims = append(victims, e)
			delete(t.entries, callId)
		}
	}
	t.rejected += uint64(len(victims))
	t.mu.Unlock()

	for _, e := range victims {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.ch <- Outcome{Err: err}
	}
}

// Clear resolves every still-pending call with err; used on table/node
// shutdown.
func (t *Table) Clear(err error) {
	t.mu.Lock()
	victims := make([]*entry, 0, len(t.entries))
	for callId, e := range t.entries {
		e.resolved = true
		victims = append(victims, e)
		delete(t.entries, callId)
	}
	t.rejected += uint64(len(victims))
	t.mu.Unlock()

	for _, e := range victims {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.ch <- Outcome{Err: err}
	}
}

// Stats returns a snapshot of the table's counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Pending:   len(t.entries),
		Initiated: t.initiated,
		Resolved:  t.resolved,
		Rejected:  t.rejected,
		TimedOut:  t.timedOut,
	}
}

// CallTimeout is the typed error delivered when a remote call isn't
// answered within its timeout. Kept local to this table so
// genserver.CallTimeout's shape is mirrored without an import cycle.
type CallTimeout struct {
	CallId   string
	ServerId string
}

func (e *CallTimeout) Error() string {
	return "pendingcall: call " + e.CallId + " to server " + e.ServerId + " timed out"
}

type genserverNotRunning struct{ ServerId string }

func (e *genserverNotRunning) Error() string {
	return "pendingcall: server " + e.ServerId + " is not running"
}
