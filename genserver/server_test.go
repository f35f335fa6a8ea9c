package genserver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hamicek/nexus/event"
)

type incMsg struct{}
type getMsg struct{}

func counterBehavior() Behavior {
	return Behavior{
		Init: func(args any) (any, error) {
			return 0, nil
		},
		HandleCall: func(msg any, state any) (any, any, error) {
			switch msg.(type) {
			case getMsg:
				return state, state, nil
			}
			return nil, state, nil
		},
		HandleCast: func(msg any, state any) (any, error) {
			switch msg.(type) {
			case incMsg:
				return state.(int) + 1, nil
			}
			return state, nil
		},
	}
}

// Serialization: 1000 concurrent casts then one call observing all of them.
func TestSerializedCounter(t *testing.T) {
	s, err := Start(counterBehavior(), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Cast(incMsg{})
		}()
	}
	wg.Wait()

	reply, err := s.Call(getMsg{}, 2000)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.(int) != 1000 {
		t.Errorf("got %d, want 1000", reply.(int))
	}
}

func TestInitFailurePreventsRunningState(t *testing.T) {
	b := Behavior{
		Init: func(args any) (any, error) { return nil, errors.New("boom") },
	}
	s, err := Start(b, StartOptions{})
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	var initErr *InitFailed
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitFailed, got %T", err)
	}
	if s != nil {
		t.Error("expected nil server on init failure")
	}
}

func TestInitTimeout(t *testing.T) {
	b := Behavior{
		Init: func(args any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return 0, nil
		},
	}
	_, err := Start(b, StartOptions{InitTimeoutMs: 10})
	var initErr *InitFailed
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitFailed, got %v", err)
	}
}

func TestCallTimeoutDoesNotRemoveFromQueue(t *testing.T) {
	release := make(chan struct{})
	processed := make(chan struct{}, 2)
	b := Behavior{
		Init: func(args any) (any, error) { return 0, nil },
		HandleCall: func(msg any, state any) (any, any, error) {
			<-release
			processed <- struct{}{}
			return "ok", state, nil
		},
	}
	s, err := Start(b, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		_, _ = s.Call(struct{}{}, 20)
	}()
	time.Sleep(50 * time.Millisecond) // ensure the call timed out client-side
	close(release)

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("expected the handler to still process the timed-out call")
	}
}

func TestCallToStoppedServerFails(t *testing.T) {
	s, _ := Start(counterBehavior(), StartOptions{})
	s.Stop(nil)
	if _, err := s.Call(getMsg{}, 100); err == nil {
		t.Error("expected ServerNotRunning")
	}
}

func TestHandleCallErrorKeepsServerRunning(t *testing.T) {
	b := Behavior{
		Init: func(args any) (any, error) { return 0, nil },
		HandleCall: func(msg any, state any) (any, any, error) {
			return nil, state, errors.New("call failed")
		},
	}
	s, _ := Start(b, StartOptions{})
	_, err := s.Call(struct{}{}, 100)
	if err == nil {
		t.Fatal("expected error from handler")
	}
	if !s.IsRunning() {
		t.Error("server should remain running after a HandleCall error")
	}
}

func TestHandleCastErrorCrashesServer(t *testing.T) {
	b := Behavior{
		Init: func(args any) (any, error) { return 0, nil },
		HandleCast: func(msg any, state any) (any, error) {
			return nil, errors.New("cast failed")
		},
	}
	s, _ := Start(b, StartOptions{})
	_ = s.Cast(struct{}{})

	waitForStatus(t, s, StatusStopped)
	if s.IsRunning() {
		t.Error("expected server to have crashed")
	}
}

func TestTerminateCalledOnStop(t *testing.T) {
	var called bool
	var mu sync.Mutex
	b := Behavior{
		Init: func(args any) (any, error) { return 0, nil },
		Terminate: func(reason error, state any) {
			mu.Lock()
			called = true
			mu.Unlock()
		},
	}
	s, _ := Start(b, StartOptions{})
	s.Stop(nil)
	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Error("expected Terminate to be invoked")
	}
}

func TestOverloadRejectsCall(t *testing.T) {
	release := make(chan struct{})
	b := Behavior{
		Init: func(args any) (any, error) { return 0, nil },
		HandleCall: func(msg any, state any) (any, any, error) {
			<-release
			return nil, state, nil
		},
	}
	s, _ := Start(b, StartOptions{MaxQueueLen: 1})
	go func() { _, _ = s.Call(struct{}{}, 2000) }()
	time.Sleep(20 * time.Millisecond) // let the first call be dequeued and block in-flight

	go func() { _, _ = s.Call(struct{}{}, 2000) }() // fills the one queue slot
	time.Sleep(20 * time.Millisecond)

	_, err := s.Call(struct{}{}, 100)
	var overloaded *Overloaded
	if !errors.As(err, &overloaded) {
		t.Fatalf("expected Overloaded, got %v", err)
	}
	close(release)
}

// A handler that hangs past the shutdown timeout must not keep the server
// alive: ForceTerminate invoked after Stop (the supervisor's
// shutdown-timeout sequence) still finalizes the server and unblocks the
// graceful Stop, emitting exactly one terminal event.
func TestForceTerminateAfterStopWithHungHandler(t *testing.T) {
	bus := event.New()
	hang := make(chan struct{})
	b := Behavior{
		Init: func(args any) (any, error) { return 0, nil },
		HandleCall: func(msg any, state any) (any, any, error) {
			<-hang
			return nil, state, nil
		},
	}
	s, err := Start(b, StartOptions{Bus: bus})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer close(hang)

	go func() { _, _ = s.Call(struct{}{}, 50) }()
	time.Sleep(20 * time.Millisecond) // handler now in flight

	sub := bus.Subscribe(16)
	stopReturned := make(chan struct{})
	go func() {
		s.Stop(nil)
		close(stopReturned)
	}()
	time.Sleep(20 * time.Millisecond) // Stop is queued behind the hung handler

	s.ForceTerminate(errors.New("shutdown timeout"))

	waitForStatus(t, s, StatusStopped)
	select {
	case <-stopReturned:
	case <-time.After(time.Second):
		t.Fatal("Stop still blocked after ForceTerminate")
	}

	terminal := 0
	timeout := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if ev.ServerId == s.Id() && (ev.Kind == event.KindTerminated || ev.Kind == event.KindCrashed) {
				terminal++
			}
		case <-timeout:
			done = true
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestSnapshotRestoreHooks(t *testing.T) {
	b := counterBehavior()
	b.Snapshot = func(state any) ([]byte, error) {
		return []byte{byte(state.(int))}, nil
	}
	b.Restore = func(data []byte) (any, error) {
		return int(data[0]), nil
	}
	s, err := Start(b, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(nil)

	if err := s.Restore([]byte{42}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	reply, err := s.Call(getMsg{}, 1000)
	if err != nil || reply.(int) != 42 {
		t.Fatalf("state after restore = %v, %v", reply, err)
	}

	data, err := s.Snapshot()
	if err != nil || len(data) != 1 || data[0] != 42 {
		t.Fatalf("snapshot = %v, %v", data, err)
	}
}

func TestSnapshotWithoutHookIsNil(t *testing.T) {
	s, _ := Start(counterBehavior(), StartOptions{})
	defer s.Stop(nil)
	data, err := s.Snapshot()
	if data != nil || err != nil {
		t.Fatalf("snapshot without hook = %v, %v", data, err)
	}
}

func waitForStatus(t *testing.T, s *Server, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.status_() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never reached status %v", want)
}
