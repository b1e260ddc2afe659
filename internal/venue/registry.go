package venue

import (
	"fmt"
	"sync"
)

// Registry holds drivers in registration order. Order matters: the
// router uses it as the final ranking tie-breaker, so iteration must be
// deterministic.
type Registry struct {
	mu      sync.RWMutex
	drivers []Driver
	byName  map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Driver)}
}

// Register appends d. Registering the same name twice is a wiring bug.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[d.Name()]; dup {
		return fmt.Errorf("venue %q already registered", d.Name())
	}
	r.drivers = append(r.drivers, d)
	r.byName[d.Name()] = d
	return nil
}

// Drivers returns the drivers in registration order.
func (r *Registry) Drivers() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Driver, len(r.drivers))
	copy(out, r.drivers)
	return out
}

// Get returns the driver registered under name.
func (r *Registry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers)
}
