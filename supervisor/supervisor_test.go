package supervisor

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/genserver"
)

// childHarness builds supervised children that record their start/stop order
// and keep live handles, indexed by server id, so tests can crash a specific
// instance found through the supervisor's GetChild snapshot.
type childHarness struct {
	bus *event.Bus

	mu      sync.Mutex
	order   []string
	servers map[string]*genserver.Server // serverId -> handle
}

func newChildHarness(bus *event.Bus) *childHarness {
	return &childHarness{bus: bus, servers: make(map[string]*genserver.Server)}
}

func (h *childHarness) record(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, ev)
}

func (h *childHarness) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *childHarness) server(serverId string) (*genserver.Server, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.servers[serverId]
	return s, ok
}

// start returns a StartFunc whose servers crash on a "boom" cast and log
// "start:<id>" / "stop:<id>" into the harness.
func (h *childHarness) start(id string) StartFunc {
	return func(args any) (*genserver.Server, error) {
		b := genserver.Behavior{
			Init: func(args any) (any, error) { return 0, nil },
			HandleCall: func(msg any, state any) (any, any, error) {
				return state, state, nil
			},
			HandleCast: func(msg any, state any) (any, error) {
				if msg == "boom" {
					return nil, errors.New("boom")
				}
				return state, nil
			},
			Terminate: func(reason error, state any) {
				h.record("stop:" + id)
			},
		}
		s, err := genserver.Start(b, genserver.StartOptions{Bus: h.bus})
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.servers[s.Id()] = s
		h.mu.Unlock()
		h.record("start:" + id)
		return s, nil
	}
}

// crashChild casts "boom" to the current instance of childId.
func (h *childHarness) crashChild(t *testing.T, sv *Supervisor, childId string) {
	t.Helper()
	info, ok := sv.GetChild(childId)
	if !ok {
		t.Fatalf("child %q not found", childId)
	}
	srv, ok := h.server(info.ServerId)
	if !ok {
		t.Fatalf("no handle for server %s", info.ServerId)
	}
	if err := srv.Cast("boom"); err != nil {
		t.Fatalf("cast boom: %v", err)
	}
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

func TestOneForOneRestart(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv1", OneForOne, Options{Bus: bus})
	if err := sv.Start([]ChildSpec{{Id: "A", Start: h.start("A"), Restart: Permanent}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sv.Stop(nil)

	info, _ := sv.GetChild("A")
	oldId := info.ServerId

	sub := bus.Subscribe(16)
	h.crashChild(t, sv, "A")

	var sawCrashed, sawRestarted bool
	deadline := time.After(2 * time.Second)
	for !(sawCrashed && sawRestarted) {
		select {
		case ev := <-sub.Events():
			if ev.Kind == event.KindCrashed && ev.ServerId == oldId {
				sawCrashed = true
			}
			if ev.Kind == event.KindRestarted {
				sawRestarted = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for crash+restart events")
		}
	}

	waitFor(t, "replacement child", func() bool {
		info2, ok := sv.GetChild("A")
		return ok && info2.Running && info2.ServerId != oldId
	})
}

// one_for_all: a crash stops every sibling in reverse insertion order, then
// starts the full set again in insertion order.
func TestOneForAllRestart(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv-all", OneForAll, Options{Bus: bus})
	specs := []ChildSpec{
		{Id: "A", Start: h.start("A"), Restart: Permanent},
		{Id: "B", Start: h.start("B"), Restart: Permanent},
		{Id: "C", Start: h.start("C"), Restart: Permanent},
	}
	if err := sv.Start(specs); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sv.Stop(nil)

	before := map[string]string{}
	for _, c := range sv.GetChildren() {
		before[c.Id] = c.ServerId
	}

	h.crashChild(t, sv, "B")

	waitFor(t, "all children replaced", func() bool {
		children := sv.GetChildren()
		if len(children) != 3 {
			return false
		}
		for _, c := range children {
			if !c.Running || c.ServerId == before[c.Id] {
				return false
			}
		}
		return true
	})

	// B's own Terminate fires on the crash, then the supervisor stops the
	// survivors in reverse order and starts everything again in order.
	want := []string{
		"start:A", "start:B", "start:C",
		"stop:B",
		"stop:C", "stop:A",
		"start:A", "start:B", "start:C",
	}
	if got := h.events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event order = %v, want %v", got, want)
	}
}

// rest_for_one: a crash stops the failed child and every later sibling in
// reverse order, restarts that suffix in order, and leaves earlier siblings
// untouched.
func TestRestForOneRestart(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv-rest", RestForOne, Options{Bus: bus})
	specs := []ChildSpec{
		{Id: "A", Start: h.start("A"), Restart: Permanent},
		{Id: "B", Start: h.start("B"), Restart: Permanent},
		{Id: "C", Start: h.start("C"), Restart: Permanent},
	}
	if err := sv.Start(specs); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sv.Stop(nil)

	infoA, _ := sv.GetChild("A")
	infoB, _ := sv.GetChild("B")
	infoC, _ := sv.GetChild("C")

	h.crashChild(t, sv, "B")

	waitFor(t, "suffix replaced", func() bool {
		b, okB := sv.GetChild("B")
		c, okC := sv.GetChild("C")
		return okB && okC && b.Running && c.Running &&
			b.ServerId != infoB.ServerId && c.ServerId != infoC.ServerId
	})

	if after, _ := sv.GetChild("A"); after.ServerId != infoA.ServerId {
		t.Fatalf("child before the failed one was restarted")
	}

	want := []string{
		"start:A", "start:B", "start:C",
		"stop:B",
		"stop:C",
		"start:B", "start:C",
	}
	if got := h.events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event order = %v, want %v", got, want)
	}
}

func TestIntensityExceeded(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv2", OneForOne, Options{Bus: bus, Intensity: RestartIntensity{MaxRestarts: 2, WithinMs: 1000}})
	if err := sv.Start([]ChildSpec{{Id: "A", Start: h.start("A"), Restart: Permanent}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		info, ok := sv.GetChild("A")
		if !ok || !info.Running {
			break
		}
		srv, ok := h.server(info.ServerId)
		if !ok {
			break
		}
		_ = srv.Cast("boom")
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-sv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected supervisor to stop after exceeding restart intensity")
	}
	var target *MaxRestartsExceeded
	if err := sv.Err(); err == nil || !errors.As(err, &target) {
		t.Fatalf("expected MaxRestartsExceeded, got %v", err)
	}
}

func TestAutoShutdownAnySignificant(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv-any", OneForOne, Options{Bus: bus, AutoShutdown: AnySignificant})
	specs := []ChildSpec{
		{Id: "sig", Start: h.start("sig"), Restart: Temporary, Significant: true},
		{Id: "worker", Start: h.start("worker"), Restart: Permanent},
	}
	if err := sv.Start(specs); err != nil {
		t.Fatalf("start: %v", err)
	}

	workerInfo, _ := sv.GetChild("worker")
	h.crashChild(t, sv, "sig")

	select {
	case <-sv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor kept running after a significant child terminated")
	}

	worker, ok := h.server(workerInfo.ServerId)
	if !ok {
		t.Fatalf("no handle for worker")
	}
	waitFor(t, "worker stopped", func() bool { return !worker.IsRunning() })
}

func TestAutoShutdownAllSignificant(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv-allsig", OneForOne, Options{Bus: bus, AutoShutdown: AllSignificant})
	specs := []ChildSpec{
		{Id: "sig1", Start: h.start("sig1"), Restart: Temporary, Significant: true},
		{Id: "sig2", Start: h.start("sig2"), Restart: Temporary, Significant: true},
		{Id: "worker", Start: h.start("worker"), Restart: Permanent},
	}
	if err := sv.Start(specs); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sv.Stop(nil)

	h.crashChild(t, sv, "sig1")

	// One of two significant children down: not enough.
	select {
	case <-sv.Done():
		t.Fatalf("supervisor stopped with a significant child still running")
	case <-time.After(150 * time.Millisecond):
	}

	h.crashChild(t, sv, "sig2")
	select {
	case <-sv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor kept running after the last significant child terminated")
	}
}

func TestDynamicChildOperations(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("sv-dyn", OneForOne, Options{Bus: bus})
	if err := sv.Start([]ChildSpec{{Id: "A", Start: h.start("A"), Restart: Permanent}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sv.Stop(nil)

	if err := sv.StartChild(ChildSpec{Id: "B", Start: h.start("B"), Restart: Permanent}); err != nil {
		t.Fatalf("StartChild: %v", err)
	}

	var dup *DuplicateChild
	if err := sv.StartChild(ChildSpec{Id: "B", Start: h.start("B")}); !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateChild, got %v", err)
	}

	children := sv.GetChildren()
	if len(children) != 2 || children[0].Id != "A" || children[1].Id != "B" {
		t.Fatalf("children = %+v, want [A B] in insertion order", children)
	}
	if counts := sv.CountChildren(); counts.Specs != 2 || counts.Active != 2 {
		t.Fatalf("counts = %+v", counts)
	}

	// Manual restart replaces the server and bumps the restart count, but
	// does not touch the sibling.
	infoA, _ := sv.GetChild("A")
	infoB, _ := sv.GetChild("B")
	if err := sv.RestartChild("B"); err != nil {
		t.Fatalf("RestartChild: %v", err)
	}
	afterB, _ := sv.GetChild("B")
	if !afterB.Running || afterB.ServerId == infoB.ServerId || afterB.RestartCount != 1 {
		t.Fatalf("child after manual restart = %+v", afterB)
	}
	if afterA, _ := sv.GetChild("A"); afterA.ServerId != infoA.ServerId {
		t.Fatalf("sibling restarted by RestartChild")
	}

	if err := sv.TerminateChild("A"); err != nil {
		t.Fatalf("TerminateChild: %v", err)
	}
	if _, ok := sv.GetChild("A"); ok {
		t.Fatalf("terminated child still tracked")
	}
	if counts := sv.CountChildren(); counts.Specs != 1 || counts.Active != 1 {
		t.Fatalf("counts after terminate = %+v", counts)
	}

	var missing *ChildNotFound
	if err := sv.TerminateChild("nope"); !errors.As(err, &missing) {
		t.Fatalf("expected ChildNotFound, got %v", err)
	}
	if err := sv.RestartChild("nope"); !errors.As(err, &missing) {
		t.Fatalf("expected ChildNotFound, got %v", err)
	}
}

func TestSimpleOneForOneTemplate(t *testing.T) {
	bus := event.New()
	h := newChildHarness(bus)
	sv := New("pool", SimpleOneForOne, Options{Bus: bus})

	if err := sv.Start([]ChildSpec{{Id: "x", Start: h.start("x")}}); err == nil {
		t.Fatalf("expected Start(specs) to fail for simple_one_for_one")
	}
	if err := sv.StartTemplate(ChildSpec{Start: h.start("inst"), Restart: Permanent}); err != nil {
		t.Fatalf("StartTemplate: %v", err)
	}
	defer sv.Stop(nil)

	first, err := sv.StartChildFromTemplate(nil)
	if err != nil {
		t.Fatalf("StartChildFromTemplate: %v", err)
	}
	if _, err := sv.StartChildFromTemplate(nil); err != nil {
		t.Fatalf("StartChildFromTemplate: %v", err)
	}

	var simple *ErrSimpleOneForOne
	if err := sv.StartChild(ChildSpec{Id: "full", Start: h.start("full")}); !errors.As(err, &simple) {
		t.Fatalf("expected ErrSimpleOneForOne, got %v", err)
	}
	if counts := sv.CountChildren(); counts.Active != 2 {
		t.Fatalf("counts = %+v", counts)
	}

	// Crashing one dynamic child replaces only that child.
	srv, ok := h.server(first)
	if !ok {
		t.Fatalf("no handle for first instance")
	}
	_ = srv.Cast("boom")
	waitFor(t, "replacement instance", func() bool {
		return sv.CountChildren().Active == 2
	})
}
