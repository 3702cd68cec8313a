// Package hostsock is the reference core.SocketFactory implementation: it
// dials real TCP/UDP sockets on the host network, optionally bound to a
// chosen egress interface, and builds the ICMP unreachable signal used on
// TCP dial failure.
package hostsock

import (
	"context"
	"net"
	"syscall"
	"time"

	"tunrelay/pkg/logging"
)

const dialTimeout = 10 * time.Second

// Factory dials host sockets, optionally bound to a named egress
// interface (e.g. "eth0"). An empty Interface lets the OS route normally.
type Factory struct {
	Interface string
}

// NewFactory constructs a Factory bound to the given egress interface.
// An empty string means "no binding, let the OS choose."
func NewFactory(iface string) *Factory {
	return &Factory{Interface: iface}
}

func (f *Factory) dialer() *net.Dialer {
	d := &net.Dialer{Timeout: dialTimeout}
	if f.Interface != "" {
		d.Control = bindToDevice(f.Interface)
	}
	return d
}

// DialStream opens a TCP connection to raddr.
func (f *Factory) DialStream(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
	conn, err := f.dialer().DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialDatagram opens a connected UDP socket to raddr.
func (f *Factory) DialDatagram(ctx context.Context, raddr *net.UDPAddr) (net.Conn, error) {
	conn, err := f.dialer().DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// bindToDevice returns a net.Dialer.Control function that binds the
// dialed socket to iface via SO_BINDTODEVICE before connect(2) runs.
func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = setBindToDevice(fd, iface)
		})
		if err != nil {
			return err
		}
		if setErr != nil {
			logging.Warnf("hostsock: SO_BINDTODEVICE %s failed: %v", iface, setErr)
		}
		return setErr
	}
}
