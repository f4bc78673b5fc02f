package refresh

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/threadflux/gatewayd/internal/config"
	"github.com/threadflux/gatewayd/internal/observability"
	"github.com/threadflux/gatewayd/internal/pool"
	"github.com/threadflux/gatewayd/internal/registry"
)

func newTestPool(t *testing.T, port int) (*pool.Pool, registry.Backend) {
	t.Helper()
	reg, err := registry.Load([]config.Backend{{Port: port, ID: 1, Namespace: "ns1"}})
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	return pool.New(reg), reg.All()[0]
}

// fakeSOCKS5 starts a listener that behaves like a minimal backend
// SOCKS5 daemon: it accepts NO AUTH and replies success to any CONNECT.
func fakeSOCKS5(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 3)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				conn.Write([]byte{0x05, 0x00})
				req := make([]byte, 256)
				n, err := conn.Read(req)
				if err != nil || n < 4 {
					return
				}
				conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

// fakeSOCKS5Counting behaves like fakeSOCKS5 but counts how many
// connections it accepts, so a test can assert that the validation
// probe actually dialled in rather than merely checking readmission
// (which happens unconditionally regardless of whether validation ran).
func fakeSOCKS5Counting(t *testing.T, count *int32) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(count, 1)
			go func() {
				defer conn.Close()
				buf := make([]byte, 3)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				conn.Write([]byte{0x05, 0x00})
				req := make([]byte, 256)
				n, err := conn.Read(req)
				if err != nil || n < 4 {
					return
				}
				conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestWorkerValidatesAfterFailedRotation(t *testing.T) {
	// manage_pool.sh doesn't exist in the test environment, so rotateIP
	// fails immediately. Validation must still dial the backend and run
	// regardless — it must not be skipped just because rotation failed.
	// Readmission happens unconditionally either way, so the probe-hit
	// counter (not just Ready==1) is what actually distinguishes
	// "validated" from "skipped".
	var backendHits int32
	backendPort := fakeSOCKS5Counting(t, &backendHits)
	p, backend := newTestPool(t, backendPort)

	acquired, err := p.Acquire(pool.KindSOCKSDirect, nil)
	if err != nil || acquired != backendPort {
		t.Fatalf("acquire: %d, %v", acquired, err)
	}
	if _, err := p.ReleaseForRefresh(backendPort); err != nil {
		t.Fatalf("release for refresh: %v", err)
	}

	w := New(p, config.RefreshConfig{
		ManagePoolScript:  "manage_pool.sh",
		RefreshTimeout:    2 * time.Second,
		RefreshWait:       0,
		ValidationTimeout: 2 * time.Second,
		ValidationHost:    "1.1.1.1",
		ValidationPort:    443,
	})

	done := make(chan struct{})
	go func() {
		w.run(backend, true, observability.TraceContext{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("refresh run did not finish in time")
	}

	if atomic.LoadInt32(&backendHits) == 0 {
		t.Fatal("expected validation probe to dial the backend even though rotation failed")
	}

	snap := p.Snapshot()
	if snap.Ready != 1 {
		t.Fatalf("expected backend readmitted after validate-despite-rotation-failure, got %+v", snap)
	}
}

func TestWorkerValidateOnlyReadmitsOnSuccess(t *testing.T) {
	port := fakeSOCKS5(t)
	p, backend := newTestPool(t, port)

	acquired, err := p.Acquire(pool.KindAPIAcquired, nil)
	if err != nil || acquired != port {
		t.Fatalf("acquire: %d, %v", acquired, err)
	}
	if _, err := p.ReleaseForRefresh(port); err != nil {
		t.Fatalf("release for refresh: %v", err)
	}

	w := New(p, config.RefreshConfig{
		ValidationTimeout: 2 * time.Second,
		ValidationHost:    "1.1.1.1",
		ValidationPort:    443,
	})

	done := make(chan struct{})
	go func() {
		w.run(backend, false, observability.TraceContext{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh run did not finish in time")
	}

	snap := p.Snapshot()
	if snap.Ready != 1 {
		t.Fatalf("expected backend readmitted after successful validation, got %+v", snap)
	}
}

func TestWorkerValidateFailureStillReadmits(t *testing.T) {
	// No listener on this port: the dial will fail, and the worker must
	// still return the backend to the ready queue rather than drop it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p, backend := newTestPool(t, port)
	if _, err := p.Acquire(pool.KindAPIAcquired, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := p.ReleaseForRefresh(port); err != nil {
		t.Fatalf("release for refresh: %v", err)
	}

	w := New(p, config.RefreshConfig{
		ValidationTimeout: 1 * time.Second,
		ValidationHost:    "1.1.1.1",
		ValidationPort:    443,
	})

	done := make(chan struct{})
	go func() {
		w.run(backend, false, observability.TraceContext{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh run did not finish in time")
	}

	snap := p.Snapshot()
	if snap.Ready != 1 {
		t.Fatalf("expected backend readmitted even after validation failure, got %+v", snap)
	}
}
