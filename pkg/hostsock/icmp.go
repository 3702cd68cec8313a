package hostsock

import (
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"tunrelay/pkg/codec"
)

// icmpUnreachableCode selects the ICMP Destination Unreachable code carried
// in a signal built by BuildUnreachable.
type icmpUnreachableCode int

const (
	// CodeHostUnreachable signals that the remote host could not be
	// reached at all (dial timeout, no route).
	CodeHostUnreachable icmpUnreachableCode = 1
	// CodePortUnreachable signals that the remote host refused the
	// connection at the transport layer (ECONNREFUSED).
	CodePortUnreachable icmpUnreachableCode = 3
)

// BuildUnreachable builds a full IPv4 packet carrying an ICMP Destination
// Unreachable message in reply to originalPkt, which must be the IPv4
// packet the relay attempted (and failed) to deliver. srcIP/dstIP are the
// unreachable message's own IP header addresses: srcIP is conventionally
// the address the client believes it is talking to (the flow's original
// destination), dstIP is the client.
//
// Per RFC 792 the ICMP payload carries the original IP header plus the
// first 8 bytes of its payload.
func BuildUnreachable(srcIP, dstIP [4]byte, code icmpUnreachableCode, originalPkt []byte) []byte {
	if len(originalPkt) < 20 {
		return nil
	}
	ihl := int(originalPkt[0]&0x0f) * 4
	if ihl < 20 || len(originalPkt) < ihl {
		return nil
	}
	quoteLen := ihl + 8
	if quoteLen > len(originalPkt) {
		quoteLen = len(originalPkt)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: int(code),
		Body: &icmp.DstUnreach{
			Data: originalPkt[:quoteLen],
		},
	}
	icmpBytes, err := msg.Marshal(nil)
	if err != nil {
		return nil
	}

	pkt := codec.Get(20 + len(icmpBytes))
	codec.BuildIPv4Header(pkt, codec.IPv4Header{
		TOS:      0,
		ID:       codec.NextIPID(),
		TTL:      64,
		Protocol: codec.ProtoICMP,
		Src:      srcIP,
		Dst:      dstIP,
	}, len(icmpBytes))
	copy(pkt[20:], icmpBytes)
	return pkt
}
