// Package pool implements the backend-pool state machine: a FIFO
// ready queue of available backends and a map of checked-out
// backends, guarded by a single mutex.
//
// # Locking discipline
//
// mu guards ready, inUse, and state exclusively. No function
// holding mu performs I/O, spawns a subprocess, or sleeps — every
// method here returns quickly so callers never block behind a slow
// peer. The refresh/validate worker and the SOCKS5 relay do their
// slow work after the pool has already released the backend back to
// them; they call back into the pool (ReleaseForRefresh, Readmit) only
// at the instants state actually changes.
package pool

import (
	"container/list"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/threadflux/gatewayd/internal/logging"
	"github.com/threadflux/gatewayd/internal/metrics"
	"github.com/threadflux/gatewayd/internal/registry"
)

// State is a backend's position in the pool state machine.
type State int

const (
	Available State = iota
	InUse
	Refreshing
	Validating
)

func (s State) String() string {
	switch s {
	case Available:
		return "AVAILABLE"
	case InUse:
		return "IN_USE"
	case Refreshing:
		return "REFRESHING"
	case Validating:
		return "VALIDATING"
	default:
		return "UNKNOWN"
	}
}

// Kind tags why a backend was checked out, mirroring the two call
// sites that can acquire one.
type Kind string

const (
	KindAPIAcquired Kind = "api_acquired"
	KindSOCKSDirect Kind = "socks_direct"
)

// ErrPoolEmpty is returned by Acquire when no backend is AVAILABLE.
// Acquire never blocks waiting for one to free up.
var ErrPoolEmpty = errors.New("pool: no backend available")

// ErrNotInUse is returned by the release calls when the given port is
// not currently checked out.
var ErrNotInUse = errors.New("pool: port is not checked out")

// inUseRecord tracks one checked-out backend.
type inUseRecord struct {
	backend    registry.Backend
	kind       Kind
	metadata   map[string]string
	acquiredAt time.Time
}

// Pool is the single process-wide backend pool. Acquire is
// non-blocking by design: callers get an immediate POOL_EMPTY rather
// than queuing behind a condition variable, since backends rotate out
// for refresh on every release and a caller that waited would have no
// bound on how long that takes.
type Pool struct {
	mu sync.Mutex

	ready *list.List // FIFO of ports in the Available state
	state map[int]State
	inUse map[int]*inUseRecord

	reg         *registry.Registry
	ingressAddr string
}

// New builds a Pool with every registered backend starting AVAILABLE.
func New(reg *registry.Registry) *Pool {
	p := &Pool{
		ready: list.New(),
		state: make(map[int]State, reg.Len()),
		inUse: make(map[int]*inUseRecord, reg.Len()),
		reg:   reg,
	}
	for _, b := range reg.All() {
		p.ready.PushBack(b.Port)
		p.state[b.Port] = Available
	}
	return p
}

// SetIngressAddr records the SOCKS5 ingress address reported in
// Snapshot's status view. Safe to call at any time; callers typically
// set it once right after the ingress listener binds.
func (p *Pool) SetIngressAddr(addr string) {
	p.mu.Lock()
	p.ingressAddr = addr
	p.mu.Unlock()
}

// Acquire checks out the head of the ready queue for the given kind,
// returning ErrPoolEmpty if nothing is AVAILABLE. Never blocks.
func (p *Pool) Acquire(kind Kind, metadata map[string]string) (int, error) {
	p.mu.Lock()
	front := p.ready.Front()
	if front == nil {
		p.mu.Unlock()
		metrics.Global().RecordAcquire(true)
		metrics.RecordAcquire(string(kind), "empty")
		return 0, ErrPoolEmpty
	}
	port := p.ready.Remove(front).(int)
	backend, _ := p.reg.Lookup(port)
	p.state[port] = InUse
	p.inUse[port] = &inUseRecord{
		backend:    backend,
		kind:       kind,
		metadata:   metadata,
		acquiredAt: time.Now(),
	}
	ready, inUse := p.ready.Len(), len(p.inUse)
	p.mu.Unlock()

	metrics.Global().RecordAcquire(false)
	metrics.RecordAcquire(string(kind), "ok")
	metrics.SetPoolGauges(ready, inUse)
	logging.Op().Debug("pool acquire", "component", "pool", "backend_port", port, "kind", string(kind))
	return port, nil
}

// ReleaseForRefresh removes port from the in-use map, transitions it
// to REFRESHING, and hands the caller its backend descriptor so the
// refresh worker can run the rotation subprocess against it. The
// backend does not return to the ready queue until Readmit is called —
// the pool never drops it in the interim.
func (p *Pool) ReleaseForRefresh(port int) (registry.Backend, error) {
	p.mu.Lock()
	rec, ok := p.inUse[port]
	if !ok {
		p.mu.Unlock()
		return registry.Backend{}, ErrNotInUse
	}
	delete(p.inUse, port)
	p.state[port] = Refreshing
	ready, inUse := p.ready.Len(), len(p.inUse)
	p.mu.Unlock()

	metrics.Global().RecordRelease()
	metrics.RecordRelease(string(rec.kind))
	metrics.SetPoolGauges(ready, inUse)
	logging.Op().Debug("pool release for refresh", "component", "pool", "backend_port", port)
	return rec.backend, nil
}

// ReleaseWithoutRefresh removes port from the in-use map the same way
// ReleaseForRefresh does, for the caller to hand to the refresh
// worker with do_refresh=false: the rotation subprocess is skipped
// (no side effect occurred, so there is nothing to rotate away from)
// but the backend still runs the validation probe before
// re-admission.
func (p *Pool) ReleaseWithoutRefresh(port int) (registry.Backend, error) {
	p.mu.Lock()
	rec, ok := p.inUse[port]
	if !ok {
		p.mu.Unlock()
		return registry.Backend{}, ErrNotInUse
	}
	delete(p.inUse, port)
	p.state[port] = Refreshing
	ready, inUse := p.ready.Len(), len(p.inUse)
	p.mu.Unlock()

	metrics.Global().RecordRelease()
	metrics.RecordRelease(string(rec.kind))
	metrics.SetPoolGauges(ready, inUse)
	logging.Op().Debug("pool release without refresh", "component", "pool", "backend_port", port)
	return rec.backend, nil
}

// Readmit returns a REFRESHING/VALIDATING backend to the ready
// queue's tail. Called by the refresh worker on both success and
// failure — a backend is never dropped from rotation, matching the
// pool's "always re-enqueue" invariant.
func (p *Pool) Readmit(port int) {
	p.mu.Lock()
	p.state[port] = Available
	p.ready.PushBack(port)
	ready, inUse := p.ready.Len(), len(p.inUse)
	p.mu.Unlock()

	metrics.SetPoolGauges(ready, inUse)
	logging.Op().Debug("pool readmit", "component", "pool", "backend_port", port)
}

// MarkValidating transitions a REFRESHING backend to VALIDATING. It
// is a pure bookkeeping call for Snapshot visibility; it does not
// touch the ready queue or in-use map.
func (p *Pool) MarkValidating(port int) {
	p.mu.Lock()
	p.state[port] = Validating
	p.mu.Unlock()
}

// MarshalJSON renders the state by name so /status reads
// "AVAILABLE" rather than an opaque integer.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name as written by MarshalJSON, so a
// /status body decodes back into a Status.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, st := range []State{Available, InUse, Refreshing, Validating} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return errors.New("pool: unknown state " + name)
}

// BackendStatus is one backend's entry in a Snapshot.
type BackendStatus struct {
	Port      int               `json:"port"`
	Namespace string            `json:"namespace"`
	State     State             `json:"state"`
	Kind      Kind              `json:"kind,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Status is a point-in-time view of the whole pool.
type Status struct {
	IngressAddr string          `json:"ingress_addr"`
	Total       int             `json:"total"`
	Ready       int             `json:"ready"`
	ReadyPorts  []int           `json:"ready_ports"`
	InUse       int             `json:"in_use"`
	Backends    []BackendStatus `json:"backends"`
}

// Snapshot returns the current state of every backend, for the
// control API's /status endpoint.
func (p *Pool) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	readyPorts := make([]int, 0, p.ready.Len())
	for e := p.ready.Front(); e != nil; e = e.Next() {
		readyPorts = append(readyPorts, e.Value.(int))
	}

	backends := make([]BackendStatus, 0, p.reg.Len())
	for _, b := range p.reg.All() {
		st := BackendStatus{Port: b.Port, Namespace: b.Namespace, State: p.state[b.Port]}
		if rec, ok := p.inUse[b.Port]; ok {
			st.Kind = rec.kind
			st.Metadata = rec.metadata
		}
		backends = append(backends, st)
	}

	return Status{
		IngressAddr: p.ingressAddr,
		Total:       p.reg.Len(),
		Ready:       p.ready.Len(),
		ReadyPorts:  readyPorts,
		InUse:       len(p.inUse),
		Backends:    backends,
	}
}
