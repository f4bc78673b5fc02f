// Package registry holds the frozen set of egress backends loaded at
// startup.
package registry

import (
	"fmt"

	"github.com/threadflux/gatewayd/internal/config"
)

// Backend is one egress backend: a local SOCKS5 daemon bound to
// loopback on Port, serving traffic out of network namespace
// Namespace, numbered ID for the rotation tooling.
type Backend struct {
	Port      int
	ID        int
	Namespace string
}

// Registry is the frozen, read-only set of backends loaded from
// config. It never mutates after Load.
type Registry struct {
	backends []Backend
	byPort   map[int]Backend
}

// Load validates and freezes the backend list from config. A
// duplicate port or an empty list is a fatal configuration error: the
// gateway cannot run meaningfully with zero backends or two backends
// claiming the same loopback port.
func Load(descriptors []config.Backend) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("registry: empty backend list")
	}

	backends := make([]Backend, 0, len(descriptors))
	byPort := make(map[int]Backend, len(descriptors))
	for _, d := range descriptors {
		if d.Port <= 0 {
			return nil, fmt.Errorf("registry: backend id %d has invalid port %d", d.ID, d.Port)
		}
		if d.Namespace == "" {
			return nil, fmt.Errorf("registry: backend id %d has empty namespace", d.ID)
		}
		if _, exists := byPort[d.Port]; exists {
			return nil, fmt.Errorf("registry: duplicate backend port %d", d.Port)
		}
		b := Backend{Port: d.Port, ID: d.ID, Namespace: d.Namespace}
		backends = append(backends, b)
		byPort[d.Port] = b
	}

	return &Registry{backends: backends, byPort: byPort}, nil
}

// All returns every registered backend, in load order.
func (r *Registry) All() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Lookup returns the backend bound to the given port, if any.
func (r *Registry) Lookup(port int) (Backend, bool) {
	b, ok := r.byPort[port]
	return b, ok
}

// Len reports how many backends are registered.
func (r *Registry) Len() int {
	return len(r.backends)
}
