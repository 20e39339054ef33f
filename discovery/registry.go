// Package discovery maintains the registry of remote inference services.
//
// The registry maps a service name to the {ip, port} of a peer offering it.
// Feeders (MQTT announcements, memberlist gossip) are the only writers; the
// offloading coordinator reads it at call time and never caches entries.
package discovery

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ServiceEndpoint is a remote inference service reachable at IP:Port.
type ServiceEndpoint struct {
	Name string
	IP   string
	Port uint16
}

// Valid reports whether the endpoint carries both an address and a port.
func (e ServiceEndpoint) Valid() bool {
	return e.Name != "" && e.IP != "" && e.Port != 0
}

// String returns name@ip:port.
func (e ServiceEndpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.Name, e.IP, e.Port)
}

// MemoryRegistry is a concurrent in-memory service registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[string]ServiceEndpoint
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]ServiceEndpoint),
	}
}

// Has reports whether name has an entry.
func (r *MemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Lookup returns the endpoint registered for name.
func (r *MemoryRegistry) Lookup(name string) (ServiceEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.services[name]
	return ep, ok
}

// Put inserts or replaces an endpoint. Invalid endpoints are refused.
func (r *MemoryRegistry) Put(ep ServiceEndpoint) error {
	if !ep.Valid() {
		return fmt.Errorf("discovery: invalid endpoint %q (ip=%q port=%d)", ep.Name, ep.IP, ep.Port)
	}

	r.mu.Lock()
	prev, existed := r.services[ep.Name]
	r.services[ep.Name] = ep
	r.mu.Unlock()

	if !existed || prev != ep {
		slog.Info("discovery: service registered",
			"service", ep.Name,
			"ip", ep.IP,
			"port", ep.Port,
			"updated", existed,
		)
	}
	return nil
}

// Remove deletes the entry for name. Returns false if it did not exist.
func (r *MemoryRegistry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.services[name]
	delete(r.services, name)
	r.mu.Unlock()

	if ok {
		slog.Info("discovery: service removed", "service", name)
	}
	return ok
}

// Len returns the number of registered services.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Snapshot returns all endpoints sorted by name.
func (r *MemoryRegistry) Snapshot() []ServiceEndpoint {
	r.mu.RLock()
	out := make([]ServiceEndpoint, 0, len(r.services))
	for _, ep := range r.services {
		out = append(out, ep)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
