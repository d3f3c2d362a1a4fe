package mesh

import (
	"fmt"
	"sort"
	"sync"
)

// Role identifies which of a monitor's bridges is meant.
type Role int

const (
	// RoleRelay is the bridge to the operator's own broker.
	RoleRelay Role = iota

	// RoleProxy is the bridge to the broker configured on the radio.
	RoleProxy
)

// String returns the role name used in logs and metrics.
func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "relay"
	case RoleProxy:
		return "proxy"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// BridgeProvider gives read access to the bridges a component owns.
type BridgeProvider interface {
	// Bridge returns the bridge for role, or false if none is running.
	Bridge(role Role) (*Bridge, bool)
}

// Registry owns the live bridges of the process. Bridges are registered by
// whoever creates them and stopped together at shutdown.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

// Register adds b under name. It returns ErrDuplicateBridge if the name
// is taken.
func (r *Registry) Register(name string, b *Bridge) error {
	if b == nil {
		return fmt.Errorf("bridge %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bridges[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBridge, name)
	}
	r.bridges[name] = b
	return nil
}

// Unregister removes the bridge registered under name and returns it.
// The bridge is not stopped.
func (r *Registry) Unregister(name string) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[name]
	delete(r.bridges, name)
	return b, ok
}

// Get returns the bridge registered under name.
func (r *Registry) Get(name string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bridges[name]
	return b, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.bridges))
	for name := range r.bridges {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of registered bridges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// StopAll signals every bridge to stop without waiting.
func (r *Registry) StopAll() {
	for _, b := range r.snapshot() {
		b.Stop()
	}
}

// JoinAll waits for every bridge worker to exit.
func (r *Registry) JoinAll() {
	for _, b := range r.snapshot() {
		b.Join()
	}
}

// Shutdown stops all bridges and waits for them.
func (r *Registry) Shutdown() {
	r.StopAll()
	r.JoinAll()
}

// Stats returns a snapshot of every bridge, ordered by name.
func (r *Registry) Stats() []Stats {
	bridges := r.snapshot()
	out := make([]Stats, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b.Stats())
	}
	return out
}

// snapshot copies the bridges out so callers never hold the lock while a
// bridge blocks.
func (r *Registry) snapshot() []*Bridge {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Bridge, 0, len(names))
	for _, name := range names {
		if b, ok := r.bridges[name]; ok {
			out = append(out, b)
		}
	}
	return out
}
