package socks5

import (
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/threadflux/gatewayd/internal/metrics"
)

const relayBufferSize = 32 * 1024

// relay bidirectionally copies bytes between client and backend until
// either side closes or errors, then closes both ends so the other
// copy loop unblocks. Both directions must exit before the backend is
// released, hence the errgroup join.
func relay(client, backend net.Conn) {
	metrics.IncActiveConnections()
	defer metrics.DecActiveConnections()

	var g errgroup.Group

	g.Go(func() error {
		defer backend.Close()
		defer client.Close()
		n, err := io.CopyBuffer(backend, client, make([]byte, relayBufferSize))
		metrics.AddRelayBytes("client_to_backend", n)
		metrics.Global().AddBytes(n, 0)
		return err
	})

	g.Go(func() error {
		defer backend.Close()
		defer client.Close()
		n, err := io.CopyBuffer(client, backend, make([]byte, relayBufferSize))
		metrics.AddRelayBytes("backend_to_client", n)
		metrics.Global().AddBytes(0, n)
		return err
	})

	_ = g.Wait()
}
