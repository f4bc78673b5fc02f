package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/threadflux/gatewayd/internal/logging"
	"github.com/threadflux/gatewayd/internal/metrics"
	"github.com/threadflux/gatewayd/internal/observability"
	"github.com/threadflux/gatewayd/internal/pool"
	"github.com/threadflux/gatewayd/internal/refresh"
	"github.com/threadflux/gatewayd/internal/registry"
)

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 20 * time.Second
)

// Server is the SOCKS5 ingress listener.
type Server struct {
	pool     *pool.Pool
	refresh  *refresh.Worker
	listener net.Listener
}

// New builds a Server bound to the given pool and refresh worker.
// Listen must be called before Serve.
func New(p *pool.Pool, w *refresh.Worker) *Server {
	return &Server{pool: p, refresh: w}
}

// Listen binds the SOCKS5 TCP listener.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socks5 listen %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is canceled or the listener
// errors, spawning one goroutine per connection.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socks5 accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	connID := uuid.NewString()
	ctx, span := observability.StartServerSpan(context.Background(), "socks5.connection",
		observability.AttrConnectionID.String(connID),
	)
	defer span.End()

	log := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
		With("component", "socks5", "connection_id", connID, "client", conn.RemoteAddr().String())
	metrics.Global().ConnectionOpened()
	defer metrics.Global().ConnectionClosed()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := readHandshake(conn); err != nil {
		log.Debug("handshake failed", "error", err)
		var unsupportedVersion *unsupportedVersionError
		if errors.As(err, &unsupportedVersion) {
			// No reply to a non-SOCKS5 client. Discard what it already
			// sent so the close is a clean FIN rather than a reset
			// caused by unread input.
			conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			io.Copy(io.Discard, conn)
		} else {
			conn.Write([]byte{Version, AuthNoAcceptable})
		}
		conn.Close()
		observability.SetSpanError(span, err)
		return
	}
	conn.Write([]byte{Version, AuthNone})

	req, err := readRequest(conn)
	if err != nil {
		s.rejectRequest(conn, log, span, err)
		return
	}

	log = log.With("target", req.target())
	port, err := s.pool.Acquire(pool.KindSOCKSDirect, map[string]string{
		"client": conn.RemoteAddr().String(),
		"target": req.target(),
	})
	if err != nil {
		log.Info("acquire failed: pool empty")
		conn.Write(errorReply(RepGeneralFailure))
		conn.Close()
		metrics.RecordConnection(fmt.Sprintf("0x%02x", RepGeneralFailure))
		observability.SetSpanError(span, err)
		return
	}

	span.SetAttributes(
		observability.AttrBackendPort.Int(port),
		observability.AttrAcquireKind.String(string(pool.KindSOCKSDirect)),
	)

	backendConn, rep, err := dialBackend(ctx, port, req, dialTimeout)
	if err != nil {
		log.Warn("backend connect failed", "backend_port", port, "error", err, "reply", rep)
		conn.Write(errorReply(rep))
		conn.Close()
		metrics.RecordConnection(fmt.Sprintf("0x%02x", rep))
		observability.SetSpanError(span, err)
		// No traffic reached the target: release without rotating the
		// IP, but still validate before the backend returns to service.
		s.releaseAndRefresh(ctx, port, log, false)
		return
	}

	conn.SetDeadline(time.Time{})
	if _, err := conn.Write(successReply); err != nil {
		backendConn.Close()
		conn.Close()
		s.releaseAndRefresh(ctx, port, log, false)
		return
	}

	metrics.RecordConnection("0x00")
	observability.SetSpanOK(span)
	log.Debug("relay starting", "backend_port", port)
	relay(conn, backendConn)
	log.Debug("relay finished", "backend_port", port)
	// Traffic flowed through the backend: rotate its egress IP before
	// the next client sees it.
	s.releaseAndRefresh(ctx, port, log, true)
}

// releaseAndRefresh hands the backend to the refresh worker, carrying
// the connection's trace context across the goroutine boundary so the
// refresh attempt's span nests under the connection that triggered it.
func (s *Server) releaseAndRefresh(ctx context.Context, port int, log *slog.Logger, doRefresh bool) {
	var (
		backend registry.Backend
		err     error
	)
	if doRefresh {
		backend, err = s.pool.ReleaseForRefresh(port)
	} else {
		backend, err = s.pool.ReleaseWithoutRefresh(port)
	}
	if err != nil {
		log.Warn("release failed", "backend_port", port, "error", err)
		return
	}
	s.refresh.Run(backend, doRefresh, observability.ExtractTraceContext(ctx))
}

func (s *Server) rejectRequest(conn net.Conn, log *slog.Logger, span trace.Span, err error) {
	var unsupportedCmd *unsupportedCommandError
	var unsupportedAddr *unsupportedAddressTypeError

	switch {
	case errors.As(err, &unsupportedCmd):
		conn.Write(errorReply(RepCmdNotSupported))
	case errors.As(err, &unsupportedAddr):
		conn.Write(errorReply(RepAddrTypeNotSupported))
	default:
		conn.Write(errorReply(RepGeneralFailure))
	}
	log.Debug("request rejected", "error", err)
	conn.Close()
	observability.SetSpanError(span, err)
}
