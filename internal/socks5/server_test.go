package socks5

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/threadflux/gatewayd/internal/config"
	"github.com/threadflux/gatewayd/internal/pool"
	"github.com/threadflux/gatewayd/internal/refresh"
	"github.com/threadflux/gatewayd/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoSOCKS5Backend starts a fake backend that accepts a CONNECT and
// then echoes bytes back verbatim, for relay testing.
func echoSOCKS5Backend(t *testing.T) int {
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
				r := bufio.NewReader(conn)
				header := make([]byte, 2)
				if _, err := io.ReadFull(r, header); err != nil {
					return
				}
				methods := make([]byte, header[1])
				io.ReadFull(r, methods)
				conn.Write([]byte{Version, AuthNone})

				reqHeader := make([]byte, 4)
				if _, err := io.ReadFull(r, reqHeader); err != nil {
					return
				}
				switch reqHeader[3] {
				case AddrTypeIPv4:
					io.ReadFull(r, make([]byte, 4+2))
				case AddrTypeDomain:
					lenBuf := make([]byte, 1)
					io.ReadFull(r, lenBuf)
					io.ReadFull(r, make([]byte, int(lenBuf[0])+2))
				case AddrTypeIPv6:
					io.ReadFull(r, make([]byte, 16+2))
				}
				conn.Write(successReply)
				io.Copy(conn, r)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T, backendPort int) (*Server, *pool.Pool, *refresh.Worker) {
	t.Helper()
	reg, err := registry.Load([]config.Backend{{Port: backendPort, ID: 1, Namespace: "ns1"}})
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	p := pool.New(reg)
	// RefreshTimeout is kept short: sudo has no tty in the test
	// environment and fails immediately, but this bounds worst case.
	w := refresh.New(p, config.RefreshConfig{
		ManagePoolScript:  "manage_pool.sh",
		RefreshTimeout:    2 * time.Second,
		ValidationTimeout: 2 * time.Second,
		ValidationHost:    "1.1.1.1",
		ValidationPort:    443,
	})
	s := New(p, w)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return s, p, w
}

func TestFullConnectAndRelay(t *testing.T) {
	backendPort := echoSOCKS5Backend(t)
	s, _, w := newTestServer(t, backendPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	client, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	client.Write([]byte{Version, 0x01, AuthNone})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)
	if methodReply[1] != AuthNone {
		t.Fatalf("expected NO AUTH accepted, got %v", methodReply)
	}

	client.Write([]byte{Version, CmdConnect, 0x00, AddrTypeIPv4, 93, 184, 216, 34, 0x01, 0xBB})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != RepSuccess {
		t.Fatalf("expected success reply, got 0x%02x", reply[1])
	}

	client.SetDeadline(time.Now().Add(3 * time.Second))
	client.Write([]byte("ping"))
	echoed := make([]byte, 4)
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("expected echo of ping, got %q", echoed)
	}

	client.Close()
	// Give the relay goroutines a moment to observe the close, then
	// drain the background refresh/validate run before the test ends.
	time.Sleep(100 * time.Millisecond)
	w.Wait()
}

func TestPoolEmptyReportsGeneralFailure(t *testing.T) {
	backendPort := echoSOCKS5Backend(t)
	s, p, _ := newTestServer(t, backendPort)

	// drain the single backend so the next connection sees POOL_EMPTY
	if _, err := p.Acquire(pool.KindAPIAcquired, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	client, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	client.Write([]byte{Version, 0x01, AuthNone})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)

	client.Write([]byte{Version, CmdConnect, 0x00, AddrTypeIPv4, 1, 1, 1, 1, 0x01, 0xBB})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != RepGeneralFailure {
		t.Fatalf("expected general failure reply for empty pool, got 0x%02x", reply[1])
	}
}

func TestBadVersionClosesWithoutReply(t *testing.T) {
	backendPort := echoSOCKS5Backend(t)
	s, _, _ := newTestServer(t, backendPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	client, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	client.Write([]byte{0x04, 0x01, 0x00})

	client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected connection closed without reply, got n=%d err=%v", n, err)
	}
}

func TestUserpassOnlyMethodRejected(t *testing.T) {
	backendPort := echoSOCKS5Backend(t)
	s, _, _ := newTestServer(t, backendPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	client, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	client.Write([]byte{Version, 0x01, 0x02})

	reply := make([]byte, 2)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if reply[0] != Version || reply[1] != AuthNoAcceptable {
		t.Fatalf("expected 05 FF, got %v", reply)
	}
}

func TestUnsupportedCommandRejected(t *testing.T) {
	backendPort := echoSOCKS5Backend(t)
	s, _, _ := newTestServer(t, backendPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	client, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	client.Write([]byte{Version, 0x01, AuthNone})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)

	client.Write([]byte{Version, CmdBind, 0x00, AddrTypeIPv4, 1, 1, 1, 1, 0x01, 0xBB})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != RepCmdNotSupported {
		t.Fatalf("expected cmd-not-supported reply, got 0x%02x", reply[1])
	}
}
