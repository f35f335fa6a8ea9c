// Package distsupervisor implements a supervisor whose children are placed
// across cluster nodes by a Selector and restarted on child crash or host
// node failure. It layers the same restart strategies as package supervisor
// over remote spawn and remote monitoring.
//
// The package talks to the cluster through the narrow Fabric interface so
// placement and restart logic stays testable against an in-process fake.
package distsupervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/internal/logging"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/supervisor"
)

// DownEvent reports the termination of a watched child, local or remote.
// Reason uses the process_down vocabulary: normal, shutdown, error, noproc,
// noconnection, killed.
type DownEvent struct {
	Ref    nodeid.Ref
	Reason string
}

// Fabric is the cluster capability surface the supervisor places children
// through. A Node satisfies it; tests use an in-process fake.
type Fabric interface {
	// Self is this node's identity; it is always an eligible candidate.
	Self() nodeid.NodeId

	// Candidates returns the connected remote nodes.
	Candidates() []nodeid.NodeId

	// Spawn instantiates behaviorName on target (which may equal Self).
	Spawn(target nodeid.NodeId, behaviorName string, args any, timeoutMs int64) (nodeid.Ref, error)

	// Stop terminates a previously spawned child, local or remote. The
	// child gets timeoutMs to stop gracefully before being force-terminated.
	// Best-effort: a child on an unreachable node is already gone.
	Stop(ref nodeid.Ref, reason string, timeoutMs int64)

	// Watch delivers exactly one DownEvent for ref, or nothing if cancel is
	// called first.
	Watch(ref nodeid.Ref) (<-chan DownEvent, func(), error)
}

// ChildSpec describes one distributed child. The behavior is referenced by
// catalogue name since factories cannot cross node boundaries.
type ChildSpec struct {
	Id                string
	BehaviorName      string
	Args              any
	Restart           supervisor.RestartPolicy
	ShutdownTimeoutMs int64
	Significant       bool
}

const (
	defaultSpawnTimeoutMs    = 5000
	defaultShutdownTimeoutMs = 5000
)

type childRecord struct {
	spec         ChildSpec
	ref          nodeid.Ref
	running      bool
	restartCount int
	expectedStop bool
	cancelWatch  func()
}

// Options configures a distributed Supervisor.
type Options struct {
	Selector     Selector
	Intensity    supervisor.RestartIntensity
	AutoShutdown supervisor.AutoShutdown
	Bus          *event.Bus

	// SpawnTimeoutMs bounds each placement's remote spawn.
	SpawnTimeoutMs int64
}

// Supervisor is one distributed supervision unit.
type Supervisor struct {
	id             string
	strategy       supervisor.Strategy
	selector       Selector
	intensity      supervisor.RestartIntensity
	autoShutdown   supervisor.AutoShutdown
	spawnTimeoutMs int64
	fabric         Fabric
	bus            *event.Bus

	template *ChildSpec // set only for simple_one_for_one

	mu                  sync.Mutex
	children            []*childRecord
	restartTimestamps   []time.Time
	downNodes           map[string]bool
	running             bool
	fatalErr            error
	nodeFailureRestarts int
	startedAt           time.Time

	sub    *event.Subscription
	stopCh chan struct{}
	done   chan struct{}
}

// New constructs an unstarted distributed Supervisor.
func New(id string, strategy supervisor.Strategy, fabric Fabric, opts Options) *Supervisor {
	if opts.Intensity.MaxRestarts == 0 && opts.Intensity.WithinMs == 0 {
		opts.Intensity = supervisor.DefaultRestartIntensity()
	}
	if opts.Bus == nil {
		opts.Bus = event.Default
	}
	if opts.Selector == nil {
		opts.Selector = LocalFirst(fabric.Self())
	}
	if opts.SpawnTimeoutMs <= 0 {
		opts.SpawnTimeoutMs = defaultSpawnTimeoutMs
	}
	if strategy == supervisor.SimpleOneForOne {
		opts.AutoShutdown = supervisor.Never
	}
	return &Supervisor{
		id:             id,
		strategy:       strategy,
		selector:       opts.Selector,
		intensity:      opts.Intensity,
		autoShutdown:   opts.AutoShutdown,
		spawnTimeoutMs: opts.SpawnTimeoutMs,
		fabric:         fabric,
		bus:            opts.Bus,
		downNodes:      make(map[string]bool),
		done:           make(chan struct{}),
	}
}

// Id returns the supervisor's id.
func (ds *Supervisor) Id() string { return ds.id }

// Start places and starts every child in listed order. On any placement
// failure, already-placed children are stopped in reverse order and Start
// fails.
func (ds *Supervisor) Start(specs []ChildSpec) error {
	if ds.strategy == supervisor.SimpleOneForOne {
		return fmt.Errorf("distsupervisor %q: Start(specs) invalid for simple_one_for_one, use StartTemplate", ds.id)
	}
	ds.mu.Lock()
	if ds.running {
		ds.mu.Unlock()
		return fmt.Errorf("distsupervisor %q: already started", ds.id)
	}
	ds.running = true
	ds.startedAt = time.Now()
	ds.mu.Unlock()

	var started []*childRecord
	for _, spec := range specs {
		rec, err := ds.placeOne(spec, nil)
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				ds.stopRecord(started[i], "sibling start failed")
			}
			ds.mu.Lock()
			ds.running = false
			ds.mu.Unlock()
			return fmt.Errorf("distsupervisor %q: starting child %q: %w", ds.id, spec.Id, err)
		}
		started = append(started, rec)
	}

	ds.mu.Lock()
	ds.children = started
	ds.mu.Unlock()

	ds.beginWatchingNodes()
	return nil
}

// StartTemplate starts a simple_one_for_one supervisor with its child
// template but no initial children.
func (ds *Supervisor) StartTemplate(template ChildSpec) error {
	if ds.strategy != supervisor.SimpleOneForOne {
		return fmt.Errorf("distsupervisor %q: StartTemplate requires simple_one_for_one", ds.id)
	}
	ds.mu.Lock()
	if ds.running {
		ds.mu.Unlock()
		return fmt.Errorf("distsupervisor %q: already started", ds.id)
	}
	ds.template = &template
	ds.running = true
	ds.startedAt = time.Now()
	ds.mu.Unlock()
	ds.beginWatchingNodes()
	return nil
}

// candidates returns every node eligible for placement right now: self plus
// connected peers, minus nodes currently considered down.
func (ds *Supervisor) candidates() []nodeid.NodeId {
	ds.mu.Lock()
	down := make(map[string]bool, len(ds.downNodes))
	for k, v := range ds.downNodes {
		down[k] = v
	}
	ds.mu.Unlock()

	all := append([]nodeid.NodeId{ds.fabric.Self()}, ds.fabric.Candidates()...)
	out := all[:0:0]
	for _, n := range all {
		if !down[n.String()] {
			out = append(out, n)
		}
	}
	return out
}

// placeOne selects a node, spawns the child there and starts its watch.
// prev, when non-nil, is the record being replaced; a changed node emits
// child_migrated.
func (ds *Supervisor) placeOne(spec ChildSpec, prev *childRecord) (*childRecord, error) {
	cands := ds.candidates()
	if len(cands) == 0 {
		return nil, &NoAvailableNode{ChildId: spec.Id}
	}
	target, err := ds.selector.Select(cands, spec.Id)
	if err != nil {
		return nil, err
	}

	ref, err := ds.fabric.Spawn(target, spec.BehaviorName, spec.Args, ds.spawnTimeoutMs)
	if err != nil {
		return nil, err
	}

	rec := &childRecord{spec: spec, ref: ref, running: true}
	if prev != nil {
		rec.restartCount = prev.restartCount + 1
		if !prev.ref.Node.Equals(ref.Node) {
			ds.bus.Publish(event.Event{
				Kind:         event.KindChildMigrated,
				ServerId:     ref.ServerId,
				SupervisorId: ds.id,
				NodeId:       ref.Node.String(),
				Extra: map[string]any{
					"childId":  spec.Id,
					"fromNode": prev.ref.Node.String(),
					"toNode":   ref.Node.String(),
				},
			})
		}
	}

	ch, cancel, err := ds.fabric.Watch(ref)
	if err != nil {
		ds.fabric.Stop(ref, "watch failed", spec.ShutdownTimeoutMs)
		return nil, err
	}
	rec.cancelWatch = cancel
	go ds.watchChild(rec, ch)
	return rec, nil
}

func (ds *Supervisor) watchChild(rec *childRecord, ch <-chan DownEvent) {
	select {
	case ev, ok := <-ch:
		if !ok {
			return
		}
		ds.onChildDown(rec, ev.Reason)
	case <-ds.doneCh():
	}
}

func (ds *Supervisor) doneCh() <-chan struct{} { return ds.done }

func (ds *Supervisor) onChildDown(rec *childRecord, reason string) {
	ds.mu.Lock()
	if !ds.running || !rec.running {
		ds.mu.Unlock()
		return
	}
	if rec.expectedStop {
		rec.running = false
		ds.mu.Unlock()
		return
	}
	rec.running = false
	idx := ds.indexOfLocked(rec)
	ds.mu.Unlock()

	logging.Debug().
		Str("supervisor", ds.id).
		Str("child", rec.spec.Id).
		Str("reason", reason).
		Msg("distsupervisor: child down")

	if rec.spec.Significant && ds.handleSignificant(rec) {
		return
	}

	normal := reason == "normal" || reason == "shutdown"
	if !ds.shouldRestart(rec.spec.Restart, normal) {
		if rec.spec.Restart == supervisor.Temporary {
			ds.removeRecord(rec)
		}
		return
	}

	if reason == "noconnection" {
		// The child's host became unreachable. Whichever of the monitor's
		// synthetic event and the supervisor's own node_down handling runs
		// first wins the rec.running guard; both funnel into the same
		// re-placement path.
		ds.mu.Lock()
		ds.downNodes[rec.ref.Node.String()] = true
		ds.mu.Unlock()
		ds.restartAfterNodeFailure(rec)
		return
	}

	if ds.recordRestartAndCheckIntensity(false) {
		return
	}

	switch ds.strategy {
	case supervisor.OneForOne, supervisor.SimpleOneForOne:
		ds.replaceOne(rec)
	case supervisor.OneForAll:
		ds.restartAll()
	case supervisor.RestForOne:
		ds.restartFrom(idx)
	}
}

func (ds *Supervisor) handleSignificant(rec *childRecord) bool {
	ds.mu.Lock()
	stopAll := false
	switch ds.autoShutdown {
	case supervisor.AnySignificant:
		stopAll = true
	case supervisor.AllSignificant:
		stopAll = true
		for _, c := range ds.children {
			if c.spec.Significant && c.running {
				stopAll = false
				break
			}
		}
	}
	ds.mu.Unlock()
	if stopAll {
		ds.Stop(fmt.Errorf("significant child %q terminated", rec.spec.Id))
	}
	return stopAll
}

func (ds *Supervisor) shouldRestart(policy supervisor.RestartPolicy, normal bool) bool {
	switch policy {
	case supervisor.Permanent:
		return true
	case supervisor.Transient:
		return !normal
	default:
		return false
	}
}

// recordRestartAndCheckIntensity counts one automatic restart against the
// sliding window, stopping the supervisor with MaxRestartsExceeded when the
// window overflows. Host-node failures count the same as crashes.
func (ds *Supervisor) recordRestartAndCheckIntensity(nodeFailure bool) bool {
	now := time.Now()
	ds.mu.Lock()
	cutoff := now.Add(-time.Duration(ds.intensity.WithinMs) * time.Millisecond)
	kept := ds.restartTimestamps[:0:0]
	for _, t := range ds.restartTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	ds.restartTimestamps = kept
	if nodeFailure {
		ds.nodeFailureRestarts++
	}
	exceeded := len(kept) > ds.intensity.MaxRestarts
	ds.mu.Unlock()

	if !exceeded {
		return false
	}
	err := &supervisor.MaxRestartsExceeded{SupervisorId: ds.id, MaxRestarts: ds.intensity.MaxRestarts, WithinMs: ds.intensity.WithinMs}
	ds.mu.Lock()
	ds.fatalErr = err
	ds.mu.Unlock()
	ds.Stop(err)
	return true
}

// replaceOne re-places a single child. The candidate set already excludes
// nodes marked down, so a child displaced by a host failure cannot land back
// on the failed node until it returns.
func (ds *Supervisor) replaceOne(rec *childRecord) {
	spec := rec.spec
	newRec, err := ds.placeOne(spec, rec)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	idx := ds.indexOfLocked(rec)
	if idx < 0 {
		if newRec != nil {
			go ds.fabric.Stop(newRec.ref, "superseded", rec.spec.ShutdownTimeoutMs)
		}
		return
	}
	if err != nil {
		logging.Warn().Err(err).Str("supervisor", ds.id).Str("child", spec.Id).
			Msg("distsupervisor: replacement placement failed")
		return
	}
	ds.children[idx] = newRec
	ds.bus.Publish(event.Event{Kind: event.KindRestarted, ServerId: newRec.ref.ServerId, SupervisorId: ds.id, NodeId: newRec.ref.Node.String()})
}

func (ds *Supervisor) restartAll() {
	ds.mu.Lock()
	all := append([]*childRecord(nil), ds.children...)
	ds.mu.Unlock()

	for i := len(all) - 1; i >= 0; i-- {
		ds.stopRecord(all[i], "one_for_all restart")
	}
	var fresh []*childRecord
	for _, rec := range all {
		newRec, err := ds.placeOne(rec.spec, rec)
		if err != nil {
			logging.Warn().Err(err).Str("supervisor", ds.id).Str("child", rec.spec.Id).
				Msg("distsupervisor: one_for_all replacement failed")
			continue
		}
		fresh = append(fresh, newRec)
	}
	ds.mu.Lock()
	ds.children = fresh
	ds.mu.Unlock()
}

func (ds *Supervisor) restartFrom(idx int) {
	ds.mu.Lock()
	if idx < 0 || idx >= len(ds.children) {
		ds.mu.Unlock()
		return
	}
	affected := append([]*childRecord(nil), ds.children[idx:]...)
	before := append([]*childRecord(nil), ds.children[:idx]...)
	ds.mu.Unlock()

	for i := len(affected) - 1; i >= 0; i-- {
		if affected[i].running {
			ds.stopRecord(affected[i], "rest_for_one restart")
		}
	}
	var fresh []*childRecord
	for _, rec := range affected {
		newRec, err := ds.placeOne(rec.spec, rec)
		if err != nil {
			continue
		}
		fresh = append(fresh, newRec)
	}
	ds.mu.Lock()
	ds.children = append(before, fresh...)
	ds.mu.Unlock()
}

// beginWatchingNodes subscribes to node_up/node_down so placement excludes
// failed nodes and children on a lost host are re-placed.
func (ds *Supervisor) beginWatchingNodes() {
	ds.sub = ds.bus.Subscribe(64)
	ds.stopCh = make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-ds.sub.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case event.KindNodeDown:
					if n, err := nodeid.Parse(ev.NodeId); err == nil {
						ds.OnNodeDown(n)
					}
				case event.KindNodeUp:
					if n, err := nodeid.Parse(ev.NodeId); err == nil {
						ds.OnNodeUp(n)
					}
				}
			case <-ds.stopCh:
				return
			}
		}
	}()
}

// OnNodeDown re-places every child currently on the lost node: permanent and
// transient children go back through the selector with the failed node
// excluded, temporary children are dropped.
func (ds *Supervisor) OnNodeDown(node nodeid.NodeId) {
	ds.mu.Lock()
	if !ds.running {
		ds.mu.Unlock()
		return
	}
	ds.downNodes[node.String()] = true
	var affected []*childRecord
	for _, c := range ds.children {
		if c.running && c.ref.Node.Equals(node) {
			c.running = false
			affected = append(affected, c)
		}
	}
	ds.mu.Unlock()

	for _, rec := range affected {
		if rec.cancelWatch != nil {
			rec.cancelWatch()
		}
		if !ds.restartAfterNodeFailure(rec) {
			return
		}
	}
}

// restartAfterNodeFailure applies a child's restart policy after its host
// node was lost: temporary children are dropped, everything else is
// re-placed with the lost node excluded. Returns false once the supervisor
// has given up on intensity.
func (ds *Supervisor) restartAfterNodeFailure(rec *childRecord) bool {
	if rec.spec.Restart == supervisor.Temporary {
		ds.removeRecord(rec)
		return true
	}
	if ds.recordRestartAndCheckIntensity(true) {
		return false
	}
	ds.replaceOne(rec)
	return true
}

// OnNodeUp returns a node to the candidate set.
func (ds *Supervisor) OnNodeUp(node nodeid.NodeId) {
	ds.mu.Lock()
	delete(ds.downNodes, node.String())
	ds.mu.Unlock()
}

func (ds *Supervisor) stopRecord(rec *childRecord, reason string) {
	ds.mu.Lock()
	if !rec.running {
		ds.mu.Unlock()
		return
	}
	rec.expectedStop = true
	rec.running = false
	ds.mu.Unlock()

	if rec.cancelWatch != nil {
		rec.cancelWatch()
	}
	timeoutMs := rec.spec.ShutdownTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultShutdownTimeoutMs
	}
	ds.fabric.Stop(rec.ref, reason, timeoutMs)
}

func (ds *Supervisor) removeRecord(rec *childRecord) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	idx := ds.indexOfLocked(rec)
	if idx >= 0 {
		ds.children = append(ds.children[:idx], ds.children[idx+1:]...)
	}
}

func (ds *Supervisor) indexOfLocked(rec *childRecord) int {
	for i, c := range ds.children {
		if c == rec {
			return i
		}
	}
	return -1
}

// Stop shuts every child down in reverse order and stops the supervisor.
func (ds *Supervisor) Stop(reason error) {
	ds.mu.Lock()
	if !ds.running {
		ds.mu.Unlock()
		return
	}
	ds.running = false
	all := append([]*childRecord(nil), ds.children...)
	ds.mu.Unlock()

	msg := "shutdown"
	if reason != nil {
		msg = reason.Error()
	}
	for i := len(all) - 1; i >= 0; i-- {
		ds.stopRecord(all[i], msg)
	}

	if ds.stopCh != nil {
		select {
		case <-ds.stopCh:
		default:
			close(ds.stopCh)
		}
	}
	if ds.sub != nil {
		ds.sub.Unsubscribe()
	}
	select {
	case <-ds.done:
	default:
		close(ds.done)
	}
}

// Done is closed once the supervisor has fully stopped.
func (ds *Supervisor) Done() <-chan struct{} { return ds.done }

// Err returns the fatal error that stopped the supervisor, if any.
func (ds *Supervisor) Err() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.fatalErr
}

// StartChild adds and places a new child dynamically.
func (ds *Supervisor) StartChild(spec ChildSpec) error {
	if ds.strategy == supervisor.SimpleOneForOne {
		return fmt.Errorf("distsupervisor %q: StartChild invalid for simple_one_for_one, use StartChildFromTemplate", ds.id)
	}
	ds.mu.Lock()
	for _, c := range ds.children {
		if c.spec.Id == spec.Id {
			ds.mu.Unlock()
			return &supervisor.DuplicateChild{ChildId: spec.Id}
		}
	}
	ds.mu.Unlock()

	rec, err := ds.placeOne(spec, nil)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	ds.children = append(ds.children, rec)
	ds.mu.Unlock()
	return nil
}

// StartChildFromTemplate instantiates the simple_one_for_one template with
// args, returning the new child's serialized reference.
func (ds *Supervisor) StartChildFromTemplate(args any) (nodeid.Ref, error) {
	if ds.strategy != supervisor.SimpleOneForOne {
		return nodeid.Ref{}, fmt.Errorf("distsupervisor %q: StartChildFromTemplate requires simple_one_for_one", ds.id)
	}
	ds.mu.Lock()
	tmpl := ds.template
	ordinal := len(ds.children)
	ds.mu.Unlock()
	if tmpl == nil {
		return nodeid.Ref{}, fmt.Errorf("distsupervisor %q: template not set, call StartTemplate first", ds.id)
	}
	spec := *tmpl
	spec.Id = fmt.Sprintf("%s-%d", ds.id, ordinal)
	spec.Args = args
	rec, err := ds.placeOne(spec, nil)
	if err != nil {
		return nodeid.Ref{}, err
	}
	ds.mu.Lock()
	ds.children = append(ds.children, rec)
	ds.mu.Unlock()
	return rec.ref, nil
}

// TerminateChild stops childId and removes it from the child set.
func (ds *Supervisor) TerminateChild(childId string) error {
	rec := ds.findById(childId)
	if rec == nil {
		return &supervisor.ChildNotFound{ChildId: childId}
	}
	ds.stopRecord(rec, "terminated by request")
	ds.removeRecord(rec)
	return nil
}

// RestartChild manually stops and re-places childId. Manual restarts do not
// count toward restart intensity.
func (ds *Supervisor) RestartChild(childId string) error {
	rec := ds.findById(childId)
	if rec == nil {
		return &supervisor.ChildNotFound{ChildId: childId}
	}
	ds.stopRecord(rec, "manual restart")
	ds.replaceOne(rec)
	return nil
}

func (ds *Supervisor) findById(childId string) *childRecord {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, c := range ds.children {
		if c.spec.Id == childId {
			return c
		}
	}
	return nil
}

// ChildInfo is the introspection snapshot for one distributed child.
type ChildInfo struct {
	Id           string
	Ref          nodeid.Ref
	Running      bool
	RestartCount int
}

// GetChildren snapshots every tracked child in insertion order.
func (ds *Supervisor) GetChildren() []ChildInfo {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]ChildInfo, 0, len(ds.children))
	for _, c := range ds.children {
		out = append(out, ChildInfo{Id: c.spec.Id, Ref: c.ref, Running: c.running, RestartCount: c.restartCount})
	}
	return out
}

// GetChild returns the snapshot for one child.
func (ds *Supervisor) GetChild(childId string) (ChildInfo, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, c := range ds.children {
		if c.spec.Id == childId {
			return ChildInfo{Id: c.spec.Id, Ref: c.ref, Running: c.running, RestartCount: c.restartCount}, true
		}
	}
	return ChildInfo{}, false
}

// CountChildren reports spec and active counts.
func (ds *Supervisor) CountChildren() supervisor.ChildCounts {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	counts := supervisor.ChildCounts{Specs: len(ds.children)}
	for _, c := range ds.children {
		if c.running {
			counts.Active++
		}
	}
	return counts
}

// Stats extends the child counts with per-node placement and the number of
// restarts caused by host-node failures.
type Stats struct {
	SupervisorId        string
	Strategy            supervisor.Strategy
	Children            int
	Active              int
	ChildrenByNode      map[string]int
	NodeFailureRestarts int
	UptimeMs            int64
}

// GetStats snapshots the supervisor's distributed placement state.
func (ds *Supervisor) GetStats() Stats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	stats := Stats{
		SupervisorId:        ds.id,
		Strategy:            ds.strategy,
		Children:            len(ds.children),
		ChildrenByNode:      make(map[string]int),
		NodeFailureRestarts: ds.nodeFailureRestarts,
		UptimeMs:            time.Since(ds.startedAt).Milliseconds(),
	}
	for _, c := range ds.children {
		if c.running {
			stats.Active++
			stats.ChildrenByNode[c.ref.Node.String()]++
		}
	}
	return stats
}
