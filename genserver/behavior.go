package genserver

// Behavior is a record of function pointers, not an interface with optional
// methods: absence of a hook is a nil field, never a conditional dispatch
// through a vtable.
//
// Init, HandleCall and HandleCast are required; Terminate, Snapshot and
// Restore are optional hooks.
type Behavior struct {
	// Init builds the initial state. args is whatever StartOptions.Args was
	// set to. Returning an error (or exceeding InitTimeoutMs) fails the
	// start with InitFailed and the server is never observable running.
	Init func(args any) (state any, err error)

	// HandleCall produces a reply and the next state for a synchronous
	// call. An error is delivered to the caller as the call's outcome; the
	// server remains running.
	HandleCall func(msg any, state any) (reply any, next any, err error)

	// HandleCast produces the next state for an asynchronous cast. An error
	// here crashes the server (transitions to stopped, emits a crashed
	// event); there is no caller to report it to.
	HandleCast func(msg any, state any) (next any, err error)

	// Terminate is an optional best-effort hook invoked on stop/crash.
	// A panic inside it is recovered and discarded; no lifecycle event
	// reports it.
	Terminate func(reason error, state any)

	// Snapshot and Restore are optional persistence hooks for external
	// storage adapters; the core only calls them at well-defined points and
	// never itself persists anything.
	Snapshot func(state any) ([]byte, error)
	Restore  func(data []byte) (state any, err error)
}

// StateSnapshotter is the narrow interface a persistence adapter implements
// against Behavior.Snapshot/Restore; it documents the call points without
// pulling storage concerns into the core.
type StateSnapshotter interface {
	Snapshot() ([]byte, error)
	Restore([]byte) error
}
