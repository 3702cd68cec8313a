// Package udpengine relays UDP datagrams: on the first datagram for a
// 5-tuple it dials a host UDP socket, then relays subsequent datagrams
// verbatim in both directions until the session goes idle.
package udpengine

import (
	"time"

	"tunrelay/pkg/bridge"
	"tunrelay/pkg/flowtable"
)

// Session is one UDP flow's state. flowtable stores a *Session as
// FlowRecord.State.
type Session struct {
	Key flowtable.Key

	Sock *bridge.Socket

	TOS byte
	TTL byte

	Created      time.Time
	LastActivity time.Time
}
