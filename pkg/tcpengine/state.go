// Package tcpengine terminates TCP connections in-process: it runs the
// RFC 793 state machine, NewReno congestion control, and RFC 6298 RTO
// estimation for each flow, and exchanges application bytes with a host
// socket obtained through a core.SocketFactory.
package tcpengine

// State is a connection's position in the RFC 793 state machine. The
// engine only ever originates the passive-open half (a SYN arrives from
// the TUN side and the engine opens the matching host socket), so states
// that only exist on the active-open side (SYN_SENT) are never reached.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}
