package codec

import "errors"

// Sentinel errors for the small closed set of conditions callers branch on.
var (
	ErrShortPacket         = errors.New("codec: packet too short")
	ErrChecksumMismatch    = errors.New("codec: checksum mismatch")
	ErrUnsupportedProtocol = errors.New("codec: unsupported protocol")
	ErrFragment            = errors.New("codec: fragmented packet")
)

// Decoded is the result of decoding a single ingress IPv4 packet: the IP
// header plus exactly one of TCP or UDP.
type Decoded struct {
	IP  IPv4Header
	TCP *TCPSegment
	UDP *UDPDatagram
}

// Decode validates and parses buf as an IPv4 packet carrying a TCP or UDP
// segment. It borrows buf; the returned views become invalid once buf is
// reused. Fragmented packets (MF=1 or a nonzero fragment offset) and
// protocols other than TCP/UDP are rejected.
func Decode(buf []byte) (*Decoded, error) {
	h, payload, err := ParseIPv4Header(buf)
	if err != nil {
		return nil, err
	}
	if h.MoreFragments() || h.FragmentOffset() != 0 {
		return nil, ErrFragment
	}
	d := &Decoded{IP: h}
	switch h.Protocol {
	case ProtoTCP:
		seg, err := ParseTCPSegment(h.Src, h.Dst, payload)
		if err != nil {
			return nil, err
		}
		d.TCP = &seg
	case ProtoUDP:
		dg, err := ParseUDPDatagram(h.Src, h.Dst, payload)
		if err != nil {
			return nil, err
		}
		d.UDP = &dg
	default:
		return nil, ErrUnsupportedProtocol
	}
	return d, nil
}
