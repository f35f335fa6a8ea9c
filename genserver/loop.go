package genserver

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/hamicek/nexus/event"
)

// loop is the message pump: it services the queue strictly serially. Only
// one loop goroutine ever exists per Server, so handler invocations for this
// server never overlap.
func (s *Server) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.status_() == StatusRunning {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		switch m := item.(type) {
		case *callItem:
			if s.status_() != StatusRunning {
				m.reply <- callOutcome{err: &ServerNotRunning{ServerId: s.id}}
				continue
			}
			if s.dispatchCall(m) {
				return // crashed
			}
		case *castItem:
			if s.status_() != StatusRunning {
				continue // dropped, per ForceTerminate/Stop racing the queue
			}
			if s.dispatchCast(m) {
				return // crashed
			}
		case *stopItem:
			s.runShutdown(m.reason, false)
			close(m.done)
			return
		}
	}
}

// dispatchCall invokes HandleCall. An error or panic is delivered to the
// caller and the server stays running; it returns true only if the server
// crashed (which cannot happen for HandleCall, kept for
// symmetry with dispatchCast).
func (s *Server) dispatchCall(m *callItem) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.reply <- callOutcome{err: errPanicInHandler{r}}
		}
	}()

	reply, next, err := s.behavior.HandleCall(m.msg, s.readState())
	if err != nil {
		m.reply <- callOutcome{err: err}
		return false
	}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	atomic.AddUint64(&s.processed, 1)
	m.reply <- callOutcome{reply: reply}
	return false
}

// dispatchCast invokes HandleCast. An error or panic crashes the server:
// transitions to stopped with reason {error}, runs Terminate, and emits a
// crashed lifecycle event.
func (s *Server) dispatchCast(m *castItem) (crashed bool) {
	var caughtPanic any
	func() {
		defer func() {
			caughtPanic = recover()
		}()
		next, err := s.behavior.HandleCast(m.msg, s.readState())
		if err != nil {
			s.crash(err)
			crashed = true
			return
		}
		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
		atomic.AddUint64(&s.processed, 1)
	}()
	if caughtPanic != nil {
		s.crash(errPanicInHandler{caughtPanic})
		crashed = true
	}
	return crashed
}

func (s *Server) readState() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// crash transitions the server straight to stopped, draining any remaining
// queued calls with ServerNotRunning, invoking Terminate best-effort, and
// emitting a crashed event. A no-op if another finalizer already ran.
func (s *Server) crash(reason error) {
	s.terminateOnce.Do(func() {
		atomic.StoreInt32(&s.status, int32(StatusStopping))
		s.drainQueue()
		s.runTerminate(reason)
		atomic.StoreInt32(&s.status, int32(StatusStopped))
		s.publish(event.KindCrashed, reason)
	})
}

// runShutdown performs the common stop/force-terminate sequence: transition
// to stopping, reject queued callers, invoke Terminate best-effort,
// transition to stopped, emit terminated. terminateOnce makes the sequence
// run at most once even when a force-terminate races the graceful path, so
// exactly one terminal event is emitted.
func (s *Server) runShutdown(reason error, forced bool) {
	s.terminateOnce.Do(func() {
		atomic.StoreInt32(&s.status, int32(StatusStopping))
		s.mu.Lock()
		s.cond.Broadcast() // wake the loop if it's blocked in Wait (force path)
		s.mu.Unlock()
		s.drainQueue()
		s.runTerminate(reason)
		atomic.StoreInt32(&s.status, int32(StatusStopped))
		s.publish(event.KindTerminated, reason)
	})
}

// drainQueue rejects every currently queued call with ServerNotRunning and
// discards queued casts.
func (s *Server) drainQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, item := range pending {
		switch m := item.(type) {
		case *callItem:
			select {
			case m.reply <- callOutcome{err: &ServerNotRunning{ServerId: s.id}}:
			default:
			}
		case *stopItem:
			close(m.done)
		}
	}
}

// runTerminate invokes the optional Terminate hook, recovering any panic so
// it never escapes to the caller; the panic is discarded and no lifecycle
// event reports it.
func (s *Server) runTerminate(reason error) {
	if s.behavior.Terminate == nil {
		return
	}
	defer func() {
		_ = recover() // swallowed; terminate errors never propagate
	}()
	s.behavior.Terminate(reason, s.readState())
}

// estimateSize gives a rough, implementation-defined estimate of a state
// value's memory footprint for introspection purposes only.
func estimateSize(v any) int {
	if v == nil {
		return 0
	}
	val := reflect.ValueOf(v)
	return int(unsafe.Sizeof(v)) + sizeOfValue(val, 0)
}

func sizeOfValue(v reflect.Value, depth int) int {
	if depth > 4 {
		return 0
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return 0
		}
		return int(v.Type().Size()) + sizeOfValue(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		total := 0
		for i := 0; i < v.Len(); i++ {
			total += sizeOfValue(v.Index(i), depth+1)
		}
		return total
	case reflect.Map:
		total := 0
		for _, k := range v.MapKeys() {
			total += sizeOfValue(k, depth+1) + sizeOfValue(v.MapIndex(k), depth+1)
		}
		return total
	case reflect.String:
		return v.Len()
	case reflect.Struct:
		total := 0
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanInterface() {
				total += sizeOfValue(v.Field(i), depth+1)
			}
		}
		return total
	default:
		return int(v.Type().Size())
	}
}
