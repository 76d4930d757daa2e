// ABOUTME: Channel driver registry keyed by channel id
// ABOUTME: The dispatcher never branches on channel type, only on this lookup

package dispatch

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered channel drivers. Registration happens at
// startup; lookups happen on every dispatch.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]ChannelDriver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]ChannelDriver)}
}

// Register adds a driver under its Name. Registering the same channel twice
// is a wiring bug surfaced as an error.
func (r *Registry) Register(d ChannelDriver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("channel driver %q already registered", name)
	}
	r.drivers[name] = d
	return nil
}

// Get returns the driver for the channel, if registered.
func (r *Registry) Get(channel string) (ChannelDriver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[channel]
	return d, ok
}

// Names returns the registered channel ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
