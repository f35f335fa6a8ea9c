package registry

import "fmt"

// NotRegistered is returned by Lookup/Unregister/UpdateMetadata when a key
// has no entry.
type NotRegistered struct{ Key string }

func (e *NotRegistered) Error() string { return fmt.Sprintf("registry: %q is not registered", e.Key) }

// AlreadyRegistered is returned by Register in unique mode when the key is
// already taken.
type AlreadyRegistered struct{ Key string }

func (e *AlreadyRegistered) Error() string {
	return fmt.Sprintf("registry: %q is already registered", e.Key)
}
