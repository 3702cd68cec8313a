package core

import "time"

// RelayConfig contains the configuration options the core relay
// recognizes. Every field here corresponds to a named option in the
// specification; anything the relay needs beyond this belongs to an
// external collaborator (TUN acquisition, host-interface binding, CLI
// parsing, logging setup).
type RelayConfig struct {
	// TUNName is the name of the TUN device to open.
	TUNName string `json:"tun_name" yaml:"tunName"`

	// OutboundInterface is the name of the host interface outbound sockets
	// are bound to. Empty means "let the OS choose."
	OutboundInterface string `json:"outbound_interface" yaml:"outboundInterface"`

	// MTU is the maximum IP packet size processed or emitted.
	MTU int `json:"mtu" yaml:"mtu"`

	// TCPMSS is the default MSS used when the peer advertises none.
	TCPMSS int `json:"tcp_mss" yaml:"tcpMSS"`

	// TCPMaxFlows is the per-protocol cap on concurrent TCP flows.
	TCPMaxFlows int `json:"tcp_max_flows" yaml:"tcpMaxFlows"`

	// UDPMaxFlows is the per-protocol cap on concurrent UDP sessions.
	UDPMaxFlows int `json:"udp_max_flows" yaml:"udpMaxFlows"`

	// UDPIdleTimeout is the UDP session eviction interval.
	UDPIdleTimeout time.Duration `json:"udp_idle_timeout" yaml:"udpIdleTimeout"`

	// TCPAckDelay bounds how long an ACK may be delayed/coalesced.
	TCPAckDelay time.Duration `json:"tcp_ack_delay" yaml:"tcpAckDelay"`

	// TCPReassemblyCap bounds the out-of-order receive buffer, per flow.
	TCPReassemblyCap int `json:"tcp_reassembly_cap" yaml:"tcpReassemblyCap"`

	// TimeWaitDuration is 2xMSL, the TIME-WAIT hold time before a closed
	// flow's key may be reused.
	TimeWaitDuration time.Duration `json:"time_wait_duration" yaml:"timeWaitDuration"`

	// TCPMaxLifetime is a hard cap on a flow's lifetime independent of
	// activity, supplementing idle-based eviction.
	TCPMaxLifetime time.Duration `json:"tcp_max_lifetime" yaml:"tcpMaxLifetime"`

	// TCPDialErrorSignal selects how a TCP flow signals a host-socket
	// dial failure back to the client: "rst" (default) resets the
	// connection outright; "icmp" instead emits an ICMP Destination
	// Unreachable and lets the client's own retransmission time out.
	TCPDialErrorSignal string `json:"tcp_dial_error_signal" yaml:"tcpDialErrorSignal"`

	// LogLevel mirrors the log_level option. pkg/config applies verbosity
	// from Config.Logging.Level, not from this field; LOGGING_LEVEL sets both.
	LogLevel string `json:"log_level" yaml:"logLevel"`
}

// DefaultRelayConfig returns a RelayConfig with the defaults named in the
// specification.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		TUNName:            "tun0",
		OutboundInterface:  "",
		MTU:                1500,
		TCPMSS:             1460,
		TCPMaxFlows:        4096,
		UDPMaxFlows:        4096,
		UDPIdleTimeout:     60 * time.Second,
		TCPAckDelay:        40 * time.Millisecond,
		TCPReassemblyCap:   128 * 1024,
		TimeWaitDuration:   60 * time.Second,
		TCPMaxLifetime:     2 * time.Hour,
		TCPDialErrorSignal: "rst",
		LogLevel:           "info",
	}
}
