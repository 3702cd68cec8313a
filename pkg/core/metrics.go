package core

// BridgeMetrics captures per-protocol counters and the number of flows
// currently held open by a bridge.
type BridgeMetrics struct {
	// ConnectionsCreated is the number of flows created.
	ConnectionsCreated uint64

	// ConnectionsClosed is the number of flows torn down.
	ConnectionsClosed uint64

	// PacketsSent is the number of packets the engine wrote to the TUN side.
	PacketsSent uint64

	// PacketsReceived is the number of packets the engine received from the
	// TUN side.
	PacketsReceived uint64

	// BytesSent is the number of payload bytes relayed from the host socket
	// to the TUN side (for TCP, counted as the client acknowledges them).
	BytesSent uint64

	// BytesReceived is the number of payload bytes relayed from the TUN side
	// toward the host socket.
	BytesReceived uint64

	// Errors is the number of errors encountered.
	Errors uint64

	// ActiveFlows is the number of flow records currently open.
	ActiveFlows uint64
}

// RelayMetrics contains metrics for the top-level Relay.
type RelayMetrics struct {
	// TUN contains metrics for the TUN device.
	TUN TUNMetrics

	// TCP contains metrics for the TCP engine/bridge.
	TCP BridgeMetrics

	// UDP contains metrics for the UDP engine/bridge.
	UDP BridgeMetrics

	// PacketsRouted is the number of packets successfully dispatched to an
	// engine.
	PacketsRouted uint64

	// PacketsDropped is the number of packets dropped (malformed, unknown
	// protocol, flow-table full).
	PacketsDropped uint64
}

// Relay is the top-level orchestration interface; pkg/relay.Relay implements
// it.
type Relay interface {
	// Start starts the relay.
	Start() error

	// Stop stops the relay.
	Stop() error

	// Metrics returns aggregated metrics for the relay.
	Metrics() RelayMetrics
}
