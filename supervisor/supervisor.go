// Package supervisor implements the local supervisor: a server-like
// component whose state is an ordered set of child specs, with restart
// strategies, a restart-intensity window, and dynamic child management.
//
// Restart decisions here span siblings (one_for_all, rest_for_one,
// simple_one_for_one) and enforce a sliding-window intensity count, which is
// why the strategy logic is driven off genserver.Server lifecycle events
// rather than delegating per-child restarts to an off-the-shelf
// service-restarter: those restart each service independently and cannot
// coordinate sibling fan-out.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
)

// Strategy selects how sibling children are affected by one child's crash.
type Strategy int

const (
	OneForOne Strategy = iota
	OneForAll
	RestForOne
	SimpleOneForOne
)

func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	case SimpleOneForOne:
		return "simple_one_for_one"
	default:
		return "unknown"
	}
}

// RestartPolicy is the per-child restart eligibility.
type RestartPolicy int

const (
	Permanent RestartPolicy = iota
	Transient
	Temporary
)

// AutoShutdown governs whether the supervisor stops itself when children
// marked Significant terminate. Inapplicable to SimpleOneForOne, whose
// dynamic children are all interchangeable instances of one template.
type AutoShutdown int

const (
	Never AutoShutdown = iota
	AnySignificant
	AllSignificant
)

// StartFunc instantiates a child's server.
type StartFunc func(args any) (*genserver.Server, error)

// ChildSpec describes one child.
type ChildSpec struct {
	Id                string
	Start             StartFunc
	Restart           RestartPolicy
	ShutdownTimeoutMs int64
	Significant       bool
}

const defaultShutdownTimeoutMs = 5000

// RestartIntensity bounds how many automatic restarts may occur within a
// sliding window before the supervisor gives up.
type RestartIntensity struct {
	MaxRestarts int
	WithinMs    int64
}

// DefaultRestartIntensity allows 3 restarts per 5-second window.
func DefaultRestartIntensity() RestartIntensity {
	return RestartIntensity{MaxRestarts: 3, WithinMs: 5000}
}

// Options configures a new Supervisor.
type Options struct {
	Intensity    RestartIntensity
	AutoShutdown AutoShutdown
	Bus          *event.Bus
}

type childRecord struct {
	spec         ChildSpec
	args         any // simple_one_for_one instance argument
	server       *genserver.Server
	running      bool
	restartCount int
	expectedStop bool // true while we ourselves are stopping this child
}

// Supervisor is one supervision unit.
type Supervisor struct {
	id           string
	strategy     Strategy
	intensity    RestartIntensity
	autoShutdown AutoShutdown
	bus          *event.Bus

	template *ChildSpec // set only for SimpleOneForOne

	mu                 sync.Mutex
	children           []*childRecord
	restartTimestamps  []time.Time
	startedAt          time.Time
	running            bool
	fatalErr           error
	significantStopped int

	sub    *event.Subscription
	stopCh chan struct{}
	done   chan struct{}
}

// New constructs an unstarted Supervisor.
func New(id string, strategy Strategy, opts Options) *Supervisor {
	if opts.Intensity.MaxRestarts == 0 && opts.Intensity.WithinMs == 0 {
		opts.Intensity = DefaultRestartIntensity()
	}
	if opts.Bus == nil {
		opts.Bus = event.Default
	}
	if strategy == SimpleOneForOne {
		opts.AutoShutdown = Never // inapplicable to template-based children
	}
	return &Supervisor{
		id:           id,
		strategy:     strategy,
		intensity:    opts.Intensity,
		autoShutdown: opts.AutoShutdown,
		bus:          opts.Bus,
		done:         make(chan struct{}),
	}
}

// Id returns the supervisor's id.
func (sv *Supervisor) Id() string { return sv.id }

// Start starts every child in listed order. If any child's Start returns an
// error, already-started children are stopped in reverse order and Start
// fails.
func (sv *Supervisor) Start(specs []ChildSpec) error {
	if sv.strategy == SimpleOneForOne {
		return fmt.Errorf("supervisor %q: Start(specs) invalid for simple_one_for_one, use StartTemplate", sv.id)
	}
	sv.mu.Lock()
	if sv.running {
		sv.mu.Unlock()
		return &ErrAlreadyStarted{SupervisorId: sv.id}
	}
	sv.running = true
	sv.startedAt = time.Now()
	sv.mu.Unlock()

	var started []*childRecord
	for _, spec := range specs {
		rec, err := sv.startOne(spec, nil)
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				sv.stopRecord(started[i], fmt.Errorf("sibling start failed"))
			}
			sv.mu.Lock()
			sv.running = false
			sv.mu.Unlock()
			return fmt.Errorf("supervisor %q: starting child %q: %w", sv.id, spec.Id, err)
		}
		started = append(started, rec)
	}

	sv.mu.Lock()
	sv.children = started
	sv.mu.Unlock()

	sv.beginWatching()
	return nil
}

// StartTemplate starts a SimpleOneForOne supervisor with its child template
// but no initial children.
func (sv *Supervisor) StartTemplate(template ChildSpec) error {
	if sv.strategy != SimpleOneForOne {
		return &ErrNotSimpleOneForOne{}
	}
	sv.mu.Lock()
	if sv.running {
		sv.mu.Unlock()
		return &ErrAlreadyStarted{SupervisorId: sv.id}
	}
	sv.template = &template
	sv.running = true
	sv.startedAt = time.Now()
	sv.mu.Unlock()
	sv.beginWatching()
	return nil
}

func (sv *Supervisor) startOne(spec ChildSpec, args any) (*childRecord, error) {
	if spec.ShutdownTimeoutMs <= 0 {
		spec.ShutdownTimeoutMs = defaultShutdownTimeoutMs
	}
	server, err := spec.Start(args)
	if err != nil {
		return nil, err
	}
	return &childRecord{spec: spec, args: args, server: server, running: true}, nil
}

func (sv *Supervisor) beginWatching() {
	sv.sub = sv.bus.Subscribe(256)
	sv.stopCh = make(chan struct{})
	go sv.watchLifecycle()
}

func (sv *Supervisor) watchLifecycle() {
	for {
		select {
		case ev, ok := <-sv.sub.Events():
			if !ok {
				return
			}
			if ev.Kind != event.KindCrashed && ev.Kind != event.KindTerminated {
				continue
			}
			sv.onChildTermination(ev)
		case <-sv.stopCh:
			return
		}
	}
}

func (sv *Supervisor) onChildTermination(ev event.Event) {
	sv.mu.Lock()
	idx, rec := sv.findByServerIdLocked(ev.ServerId)
	if rec == nil || !rec.running {
		sv.mu.Unlock()
		return
	}
	if rec.expectedStop {
		rec.running = false
		sv.mu.Unlock()
		return
	}
	rec.running = false
	sv.mu.Unlock()

	normal := ev.Kind == event.KindTerminated && ev.Reason == nil
	sv.bus.Publish(event.Event{Kind: event.KindCrashed, ServerId: ev.ServerId, SupervisorId: sv.id, Reason: ev.Reason})

	if rec.spec.Significant {
		sv.mu.Lock()
		sv.significantStopped++
		stopAll := (sv.autoShutdown == AnySignificant) ||
			(sv.autoShutdown == AllSignificant && sv.allSignificantStoppedLocked())
		sv.mu.Unlock()
		if stopAll {
			sv.Stop(fmt.Errorf("significant child %q terminated", rec.spec.Id))
			return
		}
	}

	shouldRestart := false
	switch rec.spec.Restart {
	case Permanent:
		shouldRestart = true
	case Transient:
		shouldRestart = !normal
	case Temporary:
		shouldRestart = false
	}

	if !shouldRestart {
		if rec.spec.Restart == Temporary {
			sv.mu.Lock()
			sv.removeRecordLocked(idx)
			sv.mu.Unlock()
		}
		return
	}

	if sv.recordRestartAndCheckIntensity() {
		return
	}

	switch sv.strategy {
	case OneForOne, SimpleOneForOne:
		sv.restartOne(rec)
	case OneForAll:
		sv.restartAll()
	case RestForOne:
		sv.restartFrom(idx)
	}
}

func (sv *Supervisor) allSignificantStoppedLocked() bool {
	for _, c := range sv.children {
		if c.spec.Significant && c.running {
			return false
		}
	}
	return true
}

func (sv *Supervisor) findByServerIdLocked(serverId string) (int, *childRecord) {
	for i, c := range sv.children {
		if c.server != nil && c.server.Id() == serverId {
			return i, c
		}
	}
	return -1, nil
}

// recordRestartAndCheckIntensity records one automatic-restart timestamp and
// stops the whole supervisor if more than MaxRestarts occurred within
// WithinMs. Returns true if the
// supervisor has now stopped fatally.
func (sv *Supervisor) recordRestartAndCheckIntensity() bool {
	now := time.Now()
	sv.mu.Lock()
	cutoff := now.Add(-time.Duration(sv.intensity.WithinMs) * time.Millisecond)
	kept := sv.restartTimestamps[:0:0]
	for _, t := range sv.restartTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	sv.restartTimestamps = kept
	exceeded := len(kept) > sv.intensity.MaxRestarts
	sv.mu.Unlock()

	if !exceeded {
		return false
	}

	err := &MaxRestartsExceeded{SupervisorId: sv.id, MaxRestarts: sv.intensity.MaxRestarts, WithinMs: sv.intensity.WithinMs}
	sv.mu.Lock()
	sv.fatalErr = err
	sv.mu.Unlock()
	sv.Stop(err)
	return true
}

func (sv *Supervisor) restartOne(rec *childRecord) {
	newRec, err := sv.startOne(rec.spec, rec.args)
	sv.mu.Lock()
	defer sv.mu.Unlock()
	idx := -1
	for i, c := range sv.children {
		if c == rec {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if err != nil {
		// Start failed on restart: leave the slot stopped; the child stays
		// tracked (not running) so GetChild still reports it.
		return
	}
	newRec.restartCount = rec.restartCount + 1
	sv.children[idx] = newRec
	sv.bus.Publish(event.Event{Kind: event.KindRestarted, ServerId: newRec.server.Id(), SupervisorId: sv.id})
}

func (sv *Supervisor) restartAll() {
	sv.mu.Lock()
	all := append([]*childRecord(nil), sv.children...)
	sv.mu.Unlock()

	for i := len(all) - 1; i >= 0; i-- {
		sv.stopRecord(all[i], fmt.Errorf("one_for_all restart"))
	}
	var fresh []*childRecord
	for _, rec := range all {
		newRec, err := sv.startOne(rec.spec, rec.args)
		if err != nil {
			continue
		}
		newRec.restartCount = rec.restartCount + 1
		fresh = append(fresh, newRec)
	}
	sv.mu.Lock()
	sv.children = fresh
	sv.mu.Unlock()
}

func (sv *Supervisor) restartFrom(idx int) {
	sv.mu.Lock()
	if idx < 0 || idx >= len(sv.children) {
		sv.mu.Unlock()
		return
	}
	affected := append([]*childRecord(nil), sv.children[idx:]...)
	before := append([]*childRecord(nil), sv.children[:idx]...)
	sv.mu.Unlock()

	for i := len(affected) - 1; i >= 0; i-- {
		if affected[i].running {
			sv.stopRecord(affected[i], fmt.Errorf("rest_for_one restart"))
		}
	}
	var fresh []*childRecord
	for _, rec := range affected {
		newRec, err := sv.startOne(rec.spec, rec.args)
		if err != nil {
			continue
		}
		newRec.restartCount = rec.restartCount + 1
		fresh = append(fresh, newRec)
	}
	sv.mu.Lock()
	sv.children = append(before, fresh...)
	sv.mu.Unlock()
}

func (sv *Supervisor) stopRecord(rec *childRecord, reason error) {
	sv.mu.Lock()
	if !rec.running {
		sv.mu.Unlock()
		return
	}
	rec.expectedStop = true
	rec.running = false
	sv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rec.server.Stop(reason)
		close(done)
	}()
	timeoutMs := rec.spec.ShutdownTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultShutdownTimeoutMs
	}
	select {
	case <-done:
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		rec.server.ForceTerminate(reason)
	}
}

// Stop shuts down every child in reverse order and stops the supervisor
// itself.
func (sv *Supervisor) Stop(reason error) {
	sv.mu.Lock()
	if !sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = false
	all := append([]*childRecord(nil), sv.children...)
	sv.mu.Unlock()

	for i := len(all) - 1; i >= 0; i-- {
		sv.stopRecord(all[i], reason)
	}

	if sv.stopCh != nil {
		select {
		case <-sv.stopCh:
		default:
			close(sv.stopCh)
		}
	}
	if sv.sub != nil {
		sv.sub.Unsubscribe()
	}
	select {
	case <-sv.done:
	default:
		close(sv.done)
	}
}

// Done is closed once the supervisor has fully stopped (gracefully or via
// MaxRestartsExceeded).
func (sv *Supervisor) Done() <-chan struct{} { return sv.done }

// Err returns the fatal error that stopped the supervisor, if any.
func (sv *Supervisor) Err() error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.fatalErr
}

// StartChild adds and starts a new child dynamically. Rejected on
// SimpleOneForOne supervisors, which only accept argument tuples via
// StartChildFromTemplate.
func (sv *Supervisor) StartChild(spec ChildSpec) error {
	if sv.strategy == SimpleOneForOne {
		return &ErrSimpleOneForOne{Op: "StartChild"}
	}
	sv.mu.Lock()
	for _, c := range sv.children {
		if c.spec.Id == spec.Id {
			sv.mu.Unlock()
			return &DuplicateChild{ChildId: spec.Id}
		}
	}
	sv.mu.Unlock()

	rec, err := sv.startOne(spec, nil)
	if err != nil {
		return err
	}
	sv.mu.Lock()
	sv.children = append(sv.children, rec)
	sv.mu.Unlock()
	return nil
}

// StartChildFromTemplate instantiates the SimpleOneForOne template with
// args, returning the new child's ServerId.
func (sv *Supervisor) StartChildFromTemplate(args any) (string, error) {
	if sv.strategy != SimpleOneForOne {
		return "", &ErrNotSimpleOneForOne{}
	}
	sv.mu.Lock()
	tmpl := sv.template
	sv.mu.Unlock()
	if tmpl == nil {
		return "", fmt.Errorf("supervisor %q: template not set, call StartTemplate first", sv.id)
	}
	spec := *tmpl
	spec.Id = fmt.Sprintf("%s-%d", sv.id, sv.nextOrdinal())
	rec, err := sv.startOne(spec, args)
	if err != nil {
		return "", err
	}
	sv.mu.Lock()
	sv.children = append(sv.children, rec)
	sv.mu.Unlock()
	return rec.server.Id(), nil
}

func (sv *Supervisor) nextOrdinal() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.children)
}

// TerminateChild stops childId and removes it from the child set.
func (sv *Supervisor) TerminateChild(childId string) error {
	sv.mu.Lock()
	idx := sv.findByIdLocked(childId)
	if idx < 0 {
		sv.mu.Unlock()
		return &ChildNotFound{ChildId: childId}
	}
	rec := sv.children[idx]
	sv.mu.Unlock()

	sv.stopRecord(rec, fmt.Errorf("terminated by request"))

	sv.mu.Lock()
	sv.removeRecordLocked(idx)
	sv.mu.Unlock()
	return nil
}

// RestartChild manually restarts a currently-running child. Manual restarts
// do not count toward restart intensity; only automatic restarts after a
// crash or unexpected termination do.
func (sv *Supervisor) RestartChild(childId string) error {
	sv.mu.Lock()
	idx := sv.findByIdLocked(childId)
	if idx < 0 {
		sv.mu.Unlock()
		return &ChildNotFound{ChildId: childId}
	}
	rec := sv.children[idx]
	sv.mu.Unlock()

	sv.stopRecord(rec, fmt.Errorf("manual restart"))
	newRec, err := sv.startOne(rec.spec, rec.args)
	if err != nil {
		return err
	}
	newRec.restartCount = rec.restartCount + 1
	sv.mu.Lock()
	sv.children[idx] = newRec
	sv.mu.Unlock()
	sv.bus.Publish(event.Event{Kind: event.KindRestarted, ServerId: newRec.server.Id(), SupervisorId: sv.id})
	return nil
}

func (sv *Supervisor) findByIdLocked(childId string) int {
	for i, c := range sv.children {
		if c.spec.Id == childId {
			return i
		}
	}
	return -1
}

func (sv *Supervisor) removeRecordLocked(idx int) {
	if idx < 0 || idx >= len(sv.children) {
		return
	}
	sv.children = append(sv.children[:idx], sv.children[idx+1:]...)
}

// ChildInfo is the introspection snapshot for one child.
type ChildInfo struct {
	Id           string
	ServerId     string
	Running      bool
	RestartCount int
}

// GetChildren returns a snapshot of every tracked child in insertion order.
func (sv *Supervisor) GetChildren() []ChildInfo {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]ChildInfo, 0, len(sv.children))
	for _, c := range sv.children {
		info := ChildInfo{Id: c.spec.Id, Running: c.running, RestartCount: c.restartCount}
		if c.server != nil {
			info.ServerId = c.server.Id()
		}
		out = append(out, info)
	}
	return out
}

// GetChild returns the snapshot for one child.
func (sv *Supervisor) GetChild(childId string) (ChildInfo, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	idx := sv.findByIdLocked(childId)
	if idx < 0 {
		return ChildInfo{}, false
	}
	c := sv.children[idx]
	info := ChildInfo{Id: c.spec.Id, Running: c.running, RestartCount: c.restartCount}
	if c.server != nil {
		info.ServerId = c.server.Id()
	}
	return info, true
}

// ChildCounts summarizes CountChildren.
type ChildCounts struct {
	Specs  int
	Active int
}

// CountChildren reports the number of specs and how many are active.
func (sv *Supervisor) CountChildren() ChildCounts {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	counts := ChildCounts{Specs: len(sv.children)}
	for _, c := range sv.children {
		if c.running {
			counts.Active++
		}
	}
	return counts
}
