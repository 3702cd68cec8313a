package core

import (
	"context"
	"net"
)

// SocketFactory produces host-side stream and datagram sockets bound to a
// chosen egress network interface. It is the only collaborator that knows
// about the host network: the core never resolves names, never selects
// routes, and never touches the host's routing table. Callers always pass
// an already-resolved IP address.
type SocketFactory interface {
	// DialStream opens a TCP connection to raddr, bound to the factory's
	// configured egress interface if any.
	DialStream(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error)

	// DialDatagram opens a UDP socket connected to raddr, bound to the
	// factory's configured egress interface if any.
	DialDatagram(ctx context.Context, raddr *net.UDPAddr) (net.Conn, error)
}
