package distsupervisor

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/nodeid"
	"github.com/hamicek/nexus/supervisor"
)

// fakeFabric simulates placement across a static set of nodes without any
// networking. Spawned children are plain records whose termination is
// injected by the test.
type fakeFabric struct {
	self  nodeid.NodeId
	peers []nodeid.NodeId

	mu       sync.Mutex
	nextId   int
	spawned  map[string]*fakeChild // serverId -> child
	stops    []string              // serverIds in the order Stop was called
	failNext map[string]bool       // behaviorName -> fail next spawn
}

type fakeChild struct {
	ref      nodeid.Ref
	behavior string
	down     chan DownEvent
	stopped  bool
}

func newFakeFabric(t *testing.T, self string, peers ...string) *fakeFabric {
	t.Helper()
	f := &fakeFabric{
		spawned:  make(map[string]*fakeChild),
		failNext: make(map[string]bool),
	}
	var err error
	if f.self, err = nodeid.Parse(self); err != nil {
		t.Fatal(err)
	}
	for _, p := range peers {
		n, err := nodeid.Parse(p)
		if err != nil {
			t.Fatal(err)
		}
		f.peers = append(f.peers, n)
	}
	return f
}

func (f *fakeFabric) Self() nodeid.NodeId { return f.self }

func (f *fakeFabric) Candidates() []nodeid.NodeId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nodeid.NodeId(nil), f.peers...)
}

func (f *fakeFabric) Spawn(target nodeid.NodeId, behaviorName string, args any, timeoutMs int64) (nodeid.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext[behaviorName] {
		delete(f.failNext, behaviorName)
		return nodeid.Ref{}, errors.New("spawn refused")
	}
	f.nextId++
	ref := nodeid.Ref{ServerId: fmt.Sprintf("srv_%d", f.nextId), Node: target}
	f.spawned[ref.ServerId] = &fakeChild{ref: ref, behavior: behaviorName, down: make(chan DownEvent, 1)}
	return ref, nil
}

func (f *fakeFabric) Stop(ref nodeid.Ref, reason string, timeoutMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.spawned[ref.ServerId]; ok {
		c.stopped = true
	}
	f.stops = append(f.stops, ref.ServerId)
}

func (f *fakeFabric) Watch(ref nodeid.Ref) (<-chan DownEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.spawned[ref.ServerId]
	if !ok {
		return nil, nil, errors.New("unknown child")
	}
	return c.down, func() {}, nil
}

// crash injects a child termination as a monitor would report it.
func (f *fakeFabric) crash(serverId, reason string) {
	f.mu.Lock()
	c := f.spawned[serverId]
	f.mu.Unlock()
	c.down <- DownEvent{Ref: c.ref, Reason: reason}
}

func (f *fakeFabric) stopOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

func (f *fakeFabric) childrenOn(node nodeid.NodeId) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.spawned {
		if !c.stopped && c.ref.Node.Equals(node) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoundRobinPlacement(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001", "b@127.0.0.1:1002", "c@127.0.0.1:1003")
	ds := New("dsv", supervisor.OneForOne, fabric, Options{Selector: RoundRobin(), Bus: event.New()})

	specs := []ChildSpec{
		{Id: "w1", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "w2", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "w3", BehaviorName: "worker", Restart: supervisor.Permanent},
	}
	if err := ds.Start(specs); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds.Stop(nil)

	stats := ds.GetStats()
	if stats.Active != 3 {
		t.Fatalf("active = %d", stats.Active)
	}
	// Round robin over three candidates places one child per node.
	if len(stats.ChildrenByNode) != 3 {
		t.Errorf("childrenByNode = %v, want spread over 3 nodes", stats.ChildrenByNode)
	}
}

func TestCrashRestartAndMigrationEvent(t *testing.T) {
	bus := event.New()
	fabric := newFakeFabric(t, "a@127.0.0.1:1001", "b@127.0.0.1:1002")
	ds := New("dsv", supervisor.OneForOne, fabric, Options{Selector: RoundRobin(), Bus: bus})

	if err := ds.Start([]ChildSpec{{Id: "w", BehaviorName: "worker", Restart: supervisor.Permanent}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds.Stop(nil)

	sub := bus.Subscribe(16)
	before, _ := ds.GetChild("w")
	fabric.crash(before.Ref.ServerId, "error")

	waitFor(t, "restart", func() bool {
		after, ok := ds.GetChild("w")
		return ok && after.Running && after.Ref.ServerId != before.Ref.ServerId
	})
	after, _ := ds.GetChild("w")
	if after.RestartCount != 1 {
		t.Errorf("restartCount = %d", after.RestartCount)
	}

	// Round robin moved the replacement to the other node, so a
	// child_migrated event must have fired alongside restarted.
	var sawMigrated, sawRestarted bool
	deadline := time.After(time.Second)
	for !(sawMigrated && sawRestarted) {
		select {
		case ev := <-sub.Events():
			switch ev.Kind {
			case event.KindChildMigrated:
				sawMigrated = true
				if ev.Extra["fromNode"] == ev.Extra["toNode"] {
					t.Errorf("migrated event with identical nodes: %v", ev.Extra)
				}
			case event.KindRestarted:
				sawRestarted = true
			}
		case <-deadline:
			t.Fatalf("missing events: migrated=%v restarted=%v", sawMigrated, sawRestarted)
		}
	}
}

func TestTransientNotRestartedOnNormal(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001")
	ds := New("dsv", supervisor.OneForOne, fabric, Options{Bus: event.New()})

	if err := ds.Start([]ChildSpec{{Id: "w", BehaviorName: "worker", Restart: supervisor.Transient}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds.Stop(nil)

	before, _ := ds.GetChild("w")
	fabric.crash(before.Ref.ServerId, "normal")

	time.Sleep(50 * time.Millisecond)
	after, _ := ds.GetChild("w")
	if after.Running {
		t.Errorf("transient child restarted after normal termination")
	}
}

func TestNodeFailureReplacement(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001", "b@127.0.0.1:1002")
	nodeB := fabric.peers[0]
	ds := New("dsv", supervisor.OneForOne, fabric, Options{Selector: Pinned(nodeB), Bus: event.New()})

	if err := ds.Start([]ChildSpec{
		{Id: "keep", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "drop", BehaviorName: "worker", Restart: supervisor.Temporary},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds.Stop(nil)

	if fabric.childrenOn(nodeB) != 2 {
		t.Fatalf("expected both children pinned to b")
	}

	// b fails; pinned placement cannot land anywhere, so use a fresh
	// supervisor whose selector prefers b and falls back to self, to verify
	// actual re-placement on self.
	ds.Stop(nil)

	ds2 := New("dsv2", supervisor.OneForOne, fabric, Options{
		Selector: Func(func(c []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
			// Prefer b while it is a candidate, else self.
			for _, n := range c {
				if n.Equals(nodeB) {
					return n, nil
				}
			}
			return fabric.Self(), nil
		}),
		Bus: event.New(),
	})
	if err := ds2.Start([]ChildSpec{
		{Id: "keep", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "drop", BehaviorName: "worker", Restart: supervisor.Temporary},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds2.Stop(nil)

	ds2.OnNodeDown(nodeB)

	waitFor(t, "re-placement on self", func() bool {
		info, ok := ds2.GetChild("keep")
		return ok && info.Running && info.Ref.Node.Equals(fabric.Self())
	})
	if _, ok := ds2.GetChild("drop"); ok {
		t.Errorf("temporary child survived host-node failure")
	}
	stats := ds2.GetStats()
	if stats.NodeFailureRestarts != 1 {
		t.Errorf("nodeFailureRestarts = %d, want 1", stats.NodeFailureRestarts)
	}
}

func TestIntensityExceededStopsSupervisor(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001")
	ds := New("dsv", supervisor.OneForOne, fabric, Options{
		Intensity: supervisor.RestartIntensity{MaxRestarts: 2, WithinMs: 5000},
		Bus:       event.New(),
	})

	if err := ds.Start([]ChildSpec{{Id: "w", BehaviorName: "worker", Restart: supervisor.Permanent}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		info, ok := ds.GetChild("w")
		if !ok || !info.Running {
			break
		}
		fabric.crash(info.Ref.ServerId, "error")
		time.Sleep(30 * time.Millisecond)
	}

	select {
	case <-ds.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not stop after exceeding intensity")
	}
	var target *supervisor.MaxRestartsExceeded
	if err := ds.Err(); err == nil || !errors.As(err, &target) {
		t.Fatalf("expected MaxRestartsExceeded, got %v", err)
	}
}

// one_for_all: one crash replaces every sibling, survivors stopped in
// reverse insertion order before the full set is placed again.
func TestOneForAllReplacesAllChildren(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001")
	ds := New("dsv-all", supervisor.OneForAll, fabric, Options{Bus: event.New()})

	if err := ds.Start([]ChildSpec{
		{Id: "w1", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "w2", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "w3", BehaviorName: "worker", Restart: supervisor.Permanent},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds.Stop(nil)

	before := map[string]string{}
	for _, c := range ds.GetChildren() {
		before[c.Id] = c.Ref.ServerId
	}

	fabric.crash(before["w2"], "error")

	waitFor(t, "all children replaced", func() bool {
		children := ds.GetChildren()
		if len(children) != 3 {
			return false
		}
		for _, c := range children {
			if !c.Running || c.Ref.ServerId == before[c.Id] {
				return false
			}
		}
		return true
	})

	// The crashed child is already down; the supervisor stops only the
	// survivors, last sibling first.
	want := []string{before["w3"], before["w1"]}
	if got := fabric.stopOrder(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("stop order = %v, want %v", got, want)
	}
}

// rest_for_one: a crash replaces the failed child and every later sibling;
// earlier siblings keep their placement.
func TestRestForOneReplacesSuffix(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001")
	ds := New("dsv-rest", supervisor.RestForOne, fabric, Options{Bus: event.New()})

	if err := ds.Start([]ChildSpec{
		{Id: "w1", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "w2", BehaviorName: "worker", Restart: supervisor.Permanent},
		{Id: "w3", BehaviorName: "worker", Restart: supervisor.Permanent},
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ds.Stop(nil)

	before := map[string]string{}
	for _, c := range ds.GetChildren() {
		before[c.Id] = c.Ref.ServerId
	}

	fabric.crash(before["w2"], "error")

	waitFor(t, "suffix replaced", func() bool {
		w2, ok2 := ds.GetChild("w2")
		w3, ok3 := ds.GetChild("w3")
		return ok2 && ok3 && w2.Running && w3.Running &&
			w2.Ref.ServerId != before["w2"] && w3.Ref.ServerId != before["w3"]
	})

	if w1, _ := ds.GetChild("w1"); w1.Ref.ServerId != before["w1"] {
		t.Fatalf("child before the failed one was re-placed")
	}
	// Only the later sibling needed an explicit stop.
	if got := fabric.stopOrder(); len(got) != 1 || got[0] != before["w3"] {
		t.Fatalf("stop order = %v, want [%s]", got, before["w3"])
	}
}

func TestSimpleOneForOneTemplate(t *testing.T) {
	fabric := newFakeFabric(t, "a@127.0.0.1:1001")
	ds := New("pool", supervisor.SimpleOneForOne, fabric, Options{Bus: event.New()})

	if err := ds.Start([]ChildSpec{{Id: "x", BehaviorName: "worker"}}); err == nil {
		t.Fatalf("expected Start(specs) to fail for simple_one_for_one")
	}
	if err := ds.StartTemplate(ChildSpec{BehaviorName: "worker", Restart: supervisor.Permanent}); err != nil {
		t.Fatalf("start template: %v", err)
	}
	defer ds.Stop(nil)

	ref1, err := ds.StartChildFromTemplate("job-1")
	if err != nil {
		t.Fatalf("spawn from template: %v", err)
	}
	if _, err := ds.StartChildFromTemplate("job-2"); err != nil {
		t.Fatalf("spawn from template: %v", err)
	}
	if err := ds.StartChild(ChildSpec{Id: "full-spec", BehaviorName: "worker"}); err == nil {
		t.Fatalf("expected StartChild to be rejected for simple_one_for_one")
	}
	if got := ds.CountChildren(); got.Active != 2 {
		t.Fatalf("active = %d", got.Active)
	}

	// A crashed dynamic child is replaced without touching its sibling.
	fabric.crash(ref1.ServerId, "error")
	waitFor(t, "dynamic child replacement", func() bool {
		return ds.CountChildren().Active == 2
	})
}

func TestLeastLoadedSelector(t *testing.T) {
	a := mustParse(t, "a@127.0.0.1:1001")
	b := mustParse(t, "b@127.0.0.1:1002")
	loads := map[string]int{a.String(): 5, b.String(): 2}
	sel := LeastLoaded(func(n nodeid.NodeId) int { return loads[n.String()] })

	picked, err := sel.Select([]nodeid.NodeId{a, b}, "w")
	if err != nil {
		t.Fatal(err)
	}
	if !picked.Equals(b) {
		t.Errorf("picked %s, want least-loaded b", picked)
	}
}

func TestSelectorRejectsForeignNode(t *testing.T) {
	a := mustParse(t, "a@127.0.0.1:1001")
	foreign := mustParse(t, "z@127.0.0.1:9999")
	sel := Func(func(c []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
		return foreign, nil
	})
	if _, err := sel.Select([]nodeid.NodeId{a}, "w"); err == nil {
		t.Fatalf("expected foreign pick to fail")
	}
}

func mustParse(t *testing.T, s string) nodeid.NodeId {
	t.Helper()
	n, err := nodeid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}
