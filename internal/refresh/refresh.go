// Package refresh runs the per-release IP-rotation and validation
// pipeline: an external subprocess that rotates a backend's egress
// IP, a brief settle wait, and a SOCKS5 CONNECT probe that confirms
// the backend is usable again before it is readmitted to the pool.
package refresh

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/threadflux/gatewayd/internal/config"
	"github.com/threadflux/gatewayd/internal/logging"
	"github.com/threadflux/gatewayd/internal/metrics"
	"github.com/threadflux/gatewayd/internal/observability"
	"github.com/threadflux/gatewayd/internal/pool"
	"github.com/threadflux/gatewayd/internal/registry"
)

// Worker runs refresh/validate cycles against released backends and
// readmits them to the pool when done.
type Worker struct {
	pool *pool.Pool
	cfg  config.RefreshConfig
	wg   sync.WaitGroup
}

// New builds a Worker bound to the given pool and configuration.
func New(p *pool.Pool, cfg config.RefreshConfig) *Worker {
	return &Worker{pool: p, cfg: cfg}
}

// Run processes an already-released backend for refresh (or
// validation-only, when doRefresh is false) in its own goroutine, readmitting it to the
// pool's ready queue when finished regardless of outcome — the pool
// never drops a backend because a rotation or probe failed. tc carries
// the triggering request's trace context across the goroutine boundary
// so the refresh attempt's span nests under the connection or API call
// that released the backend.
func (w *Worker) Run(backend registry.Backend, doRefresh bool, tc observability.TraceContext) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(backend, doRefresh, tc)
	}()
}

// Wait blocks until every in-flight refresh/validate run started by
// Run has finished. Used by graceful shutdown and by tests that need
// a deterministic point to assert on pool state.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(backend registry.Backend, doRefresh bool, tc observability.TraceContext) {
	attemptID := uuid.NewString()
	parentCtx := observability.InjectTraceContext(context.Background(), tc)
	ctx, span := observability.StartSpan(parentCtx, "refresh.attempt",
		observability.AttrBackendPort.Int(backend.Port),
		observability.AttrNamespace.String(backend.Namespace),
		observability.AttrRefreshID.String(attemptID),
	)
	defer span.End()

	log := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
		With("component", "refresh", "backend_port", backend.Port,
			"namespace", backend.Namespace, "refresh_id", attemptID)

	failed := false

	if doRefresh {
		start := time.Now()
		if err := w.rotateIP(ctx, backend); err != nil {
			log.Error("ip rotation failed", "error", err)
			metrics.RecordRefreshResult(backend.Namespace, "rotation_failed")
			observability.SetSpanError(span, err)
			failed = true
		} else {
			metrics.ObserveRefreshDuration(time.Since(start).Seconds())
			time.Sleep(w.cfg.RefreshWait)
		}
	}

	// Validation always runs, even when rotation failed or timed out:
	// the backend may still be serviceable on its previous IP, and the
	// pool must not re-admit it without a live probe either way.
	w.pool.MarkValidating(backend.Port)
	start := time.Now()
	if err := w.validate(ctx, backend.Port); err != nil {
		log.Warn("post-refresh validation failed", "error", err)
		metrics.RecordRefreshResult(backend.Namespace, "validation_failed")
		observability.SetSpanError(span, err)
		failed = true
	} else {
		metrics.ObserveValidationDuration(time.Since(start).Seconds())
		metrics.RecordRefreshResult(backend.Namespace, "ok")
		observability.SetSpanOK(span)
	}

	metrics.Global().RecordRefresh(failed)

	// Always re-enqueue: a failed rotation or probe still returns the
	// backend to rotation rather than permanently removing it, matching
	// the pool's "never drop a backend" invariant.
	w.pool.Readmit(backend.Port)
}

// rotateIP invokes the external rotation command under a hard timeout,
// killing its entire process group if it overruns.
func (w *Worker) rotateIP(ctx context.Context, backend registry.Backend) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RefreshTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sudo", w.cfg.ManagePoolScript, "refresh-ip",
		backend.Namespace, fmt.Sprintf("%d", backend.ID))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start refresh-ip: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("refresh-ip: %w", err)
		}
		return nil
	case <-ctx.Done():
		// Kill the whole process group, not just cmd.Process, so that
		// manage_pool.sh's own children don't outlive the timeout.
		_ = unix.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return fmt.Errorf("refresh-ip: %w", ctx.Err())
	}
}

// validate dials the backend's loopback SOCKS5 port and issues a
// CONNECT to the configured validation target, confirming the
// backend is usable before it returns to the ready queue.
func (w *Worker) validate(ctx context.Context, backendPort int) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ValidationTimeout)
	defer cancel()

	var d net.Dialer
	addr := fmt.Sprintf("127.0.0.1:%d", backendPort)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial backend %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	return socks5Connect(conn, w.cfg.ValidationHost, w.cfg.ValidationPort)
}
