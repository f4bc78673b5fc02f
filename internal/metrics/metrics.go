// Package metrics collects and exposes gateway runtime observability
// data.
//
// # Design
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters) for the
//     lightweight JSON /status-adjacent view used by operators without
//     a Prometheus scraper.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// Every field is updated with atomic operations so the hot paths
// (acquire/release, relay byte counting) never take a lock.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects gateway-wide runtime counters.
type Metrics struct {
	AcquiresTotal     atomic.Int64
	AcquiresEmptyPool atomic.Int64
	ReleasesTotal     atomic.Int64

	RefreshesTotal  atomic.Int64
	RefreshFailures atomic.Int64

	ConnectionsTotal  atomic.Int64
	ConnectionsActive atomic.Int64
	BytesToBackend    atomic.Int64
	BytesToClient     atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide Metrics instance.
func Global() *Metrics {
	return global
}

// RecordAcquire updates the in-process acquire counters.
func (m *Metrics) RecordAcquire(poolEmpty bool) {
	m.AcquiresTotal.Add(1)
	if poolEmpty {
		m.AcquiresEmptyPool.Add(1)
	}
}

// RecordRelease updates the in-process release counter.
func (m *Metrics) RecordRelease() {
	m.ReleasesTotal.Add(1)
}

// RecordRefresh updates the in-process refresh counters.
func (m *Metrics) RecordRefresh(failed bool) {
	m.RefreshesTotal.Add(1)
	if failed {
		m.RefreshFailures.Add(1)
	}
}

// ConnectionOpened marks a new SOCKS5 connection as active.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsTotal.Add(1)
	m.ConnectionsActive.Add(1)
}

// ConnectionClosed marks a SOCKS5 connection as finished.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Add(-1)
}

// AddBytes accumulates relayed byte counts for one connection.
func (m *Metrics) AddBytes(toBackend, toClient int64) {
	m.BytesToBackend.Add(toBackend)
	m.BytesToClient.Add(toClient)
}

// snapshot is the JSON-serializable view of Metrics.
type snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	AcquiresTotal     int64   `json:"acquires_total"`
	AcquiresEmptyPool int64   `json:"acquires_empty_pool"`
	ReleasesTotal     int64   `json:"releases_total"`
	RefreshesTotal    int64   `json:"refreshes_total"`
	RefreshFailures   int64   `json:"refresh_failures"`
	ConnectionsTotal  int64   `json:"connections_total"`
	ConnectionsActive int64   `json:"connections_active"`
	BytesToBackend    int64   `json:"bytes_to_backend"`
	BytesToClient     int64   `json:"bytes_to_client"`
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() any {
	return snapshot{
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
		AcquiresTotal:     m.AcquiresTotal.Load(),
		AcquiresEmptyPool: m.AcquiresEmptyPool.Load(),
		ReleasesTotal:     m.ReleasesTotal.Load(),
		RefreshesTotal:    m.RefreshesTotal.Load(),
		RefreshFailures:   m.RefreshFailures.Load(),
		ConnectionsTotal:  m.ConnectionsTotal.Load(),
		ConnectionsActive: m.ConnectionsActive.Load(),
		BytesToBackend:    m.BytesToBackend.Load(),
		BytesToClient:     m.BytesToClient.Load(),
	}
}

// JSONHandler serves the in-process snapshot as JSON.
func JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(global.Snapshot())
	}
}
