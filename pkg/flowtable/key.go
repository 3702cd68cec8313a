// Package flowtable maps 5-tuple flow keys to flow records, with per-protocol
// caps and amortized last-activity eviction.
package flowtable

import (
	"fmt"

	"tunrelay/pkg/codec"
)

// Proto identifies the transport protocol a flow key belongs to.
type Proto byte

// Supported protocols.
const (
	TCP Proto = codec.ProtoTCP
	UDP Proto = codec.ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Key is the 5-tuple flow fingerprint. "Local" is the TUN-side endpoint
// (the application's peer); "remote" is the destination the application
// tried to reach, which the Bridge actually dials on the host.
type Key struct {
	Proto      Proto
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s %d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		k.Proto,
		k.LocalIP[0], k.LocalIP[1], k.LocalIP[2], k.LocalIP[3], k.LocalPort,
		k.RemoteIP[0], k.RemoteIP[1], k.RemoteIP[2], k.RemoteIP[3], k.RemotePort,
	)
}
