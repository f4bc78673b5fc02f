package refresh

import (
	"fmt"
	"io"
	"net"
)

// socks5Connect performs the client side of a minimal SOCKS5 NO-AUTH
// CONNECT handshake against conn, targeting host:port. It is used
// only to probe a released backend before readmission (after a
// rotation or on the validation-only path), so it stops as soon as the
// backend's reply code is known — it never relays data.
func socks5Connect(conn net.Conn, host string, port int) error {
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fmt.Errorf("write method negotiation: %w", err)
	}

	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodReply); err != nil {
		return fmt.Errorf("read method negotiation reply: %w", err)
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		return fmt.Errorf("backend rejected NO AUTH: %v", methodReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, []byte(host)...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write connect request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read connect reply header: %w", err)
	}
	if header[1] != 0x00 {
		return fmt.Errorf("backend connect reply code 0x%02x", header[1])
	}

	switch header[3] {
	case 0x01:
		_, err := io.ReadFull(conn, make([]byte, 4+2))
		return err
	case 0x03:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return err
		}
		_, err := io.ReadFull(conn, make([]byte, int(lenBuf[0])+2))
		return err
	case 0x04:
		_, err := io.ReadFull(conn, make([]byte, 16+2))
		return err
	default:
		return fmt.Errorf("unknown bound address type 0x%02x", header[3])
	}
}
