package relay

import (
	"context"
	"net"
)

// mockSocketFactory hands out net.Pipe-backed connections so relay tests
// can drive the host side without touching a real network, mirroring
// pkg/tcpengine's mockSocketFactory.
type mockSocketFactory struct {
	dialStream   func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error)
	dialDatagram func(ctx context.Context, raddr *net.UDPAddr) (net.Conn, error)
}

func (m *mockSocketFactory) DialStream(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
	return m.dialStream(ctx, raddr)
}

func (m *mockSocketFactory) DialDatagram(ctx context.Context, raddr *net.UDPAddr) (net.Conn, error) {
	return m.dialDatagram(ctx, raddr)
}
