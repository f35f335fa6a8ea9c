// Package catalogue implements the behavior catalogue: a node-local
// name -> Behavior map used by remote spawn, since Behaviors
// (function pointers) cannot themselves be transmitted across a node
// boundary. Identical names must refer to compatible behaviors on every
// participating node; that's a deployment-time contract the catalogue can't
// verify beyond presence checks at spawn time.
package catalogue

import (
	"fmt"
	"sync"

	"github.com/hamicek/nexus/genserver"
)

// AlreadyRegistered is returned by Register on a duplicate name.
type AlreadyRegistered struct{ Name string }

func (e *AlreadyRegistered) Error() string {
	return fmt.Sprintf("catalogue: behavior %q already registered", e.Name)
}

// BehaviorNotFound is returned by Get on a miss, and is the remote-spawn
// error surfaced across the wire on a remote spawn miss.
type BehaviorNotFound struct{ Name string }

func (e *BehaviorNotFound) Error() string {
	return fmt.Sprintf("catalogue: behavior %q not found", e.Name)
}

// Catalogue is a process-global map from string name to Behavior.
type Catalogue struct {
	mu    sync.RWMutex
	byName map[string]genserver.Behavior
}

// New creates an independent catalogue; most callers use Default.
func New() *Catalogue {
	return &Catalogue{byName: make(map[string]genserver.Behavior)}
}

// Default is the process-wide catalogue used by remote spawn unless a node
// is constructed with its own.
var Default = New()

// Register adds name -> behavior. It validates that Init, HandleCall and
// HandleCast are present and fails on a duplicate name.
func (c *Catalogue) Register(name string, behavior genserver.Behavior) error {
	if behavior.Init == nil || behavior.HandleCall == nil || behavior.HandleCast == nil {
		return fmt.Errorf("catalogue: behavior %q missing a required hook (Init/HandleCall/HandleCast)", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; ok {
		return &AlreadyRegistered{Name: name}
	}
	c.byName[name] = behavior
	return nil
}

// Get returns the behavior registered under name.
func (c *Catalogue) Get(name string) (genserver.Behavior, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byName[name]
	if !ok {
		return genserver.Behavior{}, &BehaviorNotFound{Name: name}
	}
	return b, nil
}

// Has reports whether name is registered.
func (c *Catalogue) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byName[name]
	return ok
}

// Unregister removes name. A no-op if it was never registered.
func (c *Catalogue) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byName, name)
}

// GetNames returns every currently registered name, in no particular order.
func (c *Catalogue) GetNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	return out
}

// Clear removes every registration. Test-only.
func (c *Catalogue) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]genserver.Behavior)
}
