package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// maxDatagram bounds a received broadcast datagram.
const maxDatagram = 64 * 1024

// UDPTransport sends broadcast packets over a connected UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
}

var _ Transport = (*UDPTransport)(nil)

// DialUDP connects a transport to the listener address, e.g. "239.0.0.1:45000" or "host:port".
func DialUDP(addr string) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}

	return &UDPTransport{conn: conn}, nil
}

// Send implements Transport.
func (t *UDPTransport) Send(packet []byte) error {
	_, err := t.conn.Write(packet)
	return err
}

// LocalAddr returns the local socket address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Close closes the socket.
func (t *UDPTransport) Close() error { return t.conn.Close() }

// UDPListener receives broadcast packets.
type UDPListener struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenUDP binds a listener to addr; port 0 picks a free port.
func ListenUDP(addr string) (*UDPListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	return &UDPListener{conn: conn, buf: make([]byte, maxDatagram)}, nil
}

// Addr returns the bound address.
func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close closes the socket.
func (l *UDPListener) Close() error { return l.conn.Close() }

// Receive reads the next packet. It returns ctx.Err() once ctx is done.
func (l *UDPListener) Receive(ctx context.Context) (Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return Packet{}, err
		}

		n, _, err := l.conn.ReadFromUDP(l.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			return Packet{}, err
		}

		return ParsePacket(l.buf[:n])
	}
}

// Serve feeds received packets into r and calls fn for every spill closed by a done marker.
// Malformed, duplicate, and mismatched packets are skipped. Serve returns when ctx is done
// or the socket fails.
func (l *UDPListener) Serve(ctx context.Context, r *Reassembler, fn func(*Received)) error {
	for {
		p, err := l.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrInvalidPacket) {
				r.logger.Debug("listener: skipping datagram", "error", err)
				continue
			}

			return err
		}

		spill, err := r.Add(p)
		if err != nil {
			r.logger.Debug("listener: skipping packet", "error", err)
			continue
		}
		if spill != nil && fn != nil {
			fn(spill)
		}
	}
}
