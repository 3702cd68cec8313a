package tcpengine

import (
	"context"
	"net"
)

// mockSocketFactory hands out net.Pipe-backed connections so tests can
// drive the host side without touching a real network.
type mockSocketFactory struct {
	dial func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error)
}

func (m *mockSocketFactory) DialStream(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
	return m.dial(ctx, raddr)
}

func (m *mockSocketFactory) DialDatagram(ctx context.Context, raddr *net.UDPAddr) (net.Conn, error) {
	panic("not used by tcpengine tests")
}
