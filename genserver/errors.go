package genserver

import "fmt"

// CallTimeout is returned by Call when no reply arrives within timeoutMs.
// The server keeps running; if the call is still queued it
// is processed later and its reply discarded.
type CallTimeout struct {
	ServerId  string
	TimeoutMs int64
}

func (e *CallTimeout) Error() string {
	return fmt.Sprintf("genserver: call to %s timed out after %dms", e.ServerId, e.TimeoutMs)
}

// ServerNotRunning is returned by Call/Cast against a server that is
// not in the running state.
type ServerNotRunning struct {
	ServerId string
}

func (e *ServerNotRunning) Error() string {
	return fmt.Sprintf("genserver: server %s is not running", e.ServerId)
}

// InitFailed is returned by Start when init returns an error or times out.
type InitFailed struct {
	ServerId string
	Cause    error
}

func (e *InitFailed) Error() string {
	return fmt.Sprintf("genserver: init failed for %s: %v", e.ServerId, e.Cause)
}

func (e *InitFailed) Unwrap() error { return e.Cause }

// Overloaded is returned by Cast/Call when a configured back-pressure bound
// is exceeded.
type Overloaded struct {
	ServerId string
	QueueLen int
}

func (e *Overloaded) Error() string {
	return fmt.Sprintf("genserver: server %s is overloaded (queue length %d)", e.ServerId, e.QueueLen)
}

// errInitTimeout is the sentinel wrapped by InitFailed when init exceeds
// InitTimeoutMs.
type errInitTimeout struct{}

func (errInitTimeout) Error() string { return "init timed out" }

// errPanicInHandler wraps a recovered panic value so handler crashes carry a
// real error instead of an opaque interface{}.
type errPanicInHandler struct{ value any }

func (e errPanicInHandler) Error() string { return fmt.Sprintf("panic: %v", e.value) }
