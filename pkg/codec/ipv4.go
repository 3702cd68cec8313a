package codec

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// IP protocol numbers this relay understands.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const ipv4MinHeaderLen = 20

const (
	flagDontFragment  = 0x4000
	flagMoreFragments = 0x2000
	fragOffsetMask    = 0x1fff
)

// ipIDCounter is a process-wide, monotonically increasing IPv4
// Identification field generator so emitted packets never carry a constant
// zero ID.
var ipIDCounter uint32

// NextIPID returns the next value for the IPv4 Identification field.
func NextIPID() uint16 { return uint16(atomic.AddUint32(&ipIDCounter, 1)) }

// IPv4Header is a decoded view over an IPv4 header. FlagsFragOffset carries
// the raw 3-bit-flags + 13-bit-fragment-offset field; use MoreFragments and
// FragmentOffset to interpret it.
type IPv4Header struct {
	Version         byte
	IHL             int // header length in bytes
	TOS             byte
	TotalLength     int
	ID              uint16
	FlagsFragOffset uint16
	TTL             byte
	Protocol        byte
	Checksum        uint16
	Src             [4]byte
	Dst             [4]byte
}

// MoreFragments reports the IPv4 MF flag.
func (h IPv4Header) MoreFragments() bool { return h.FlagsFragOffset&flagMoreFragments != 0 }

// FragmentOffset returns the fragment offset in bytes.
func (h IPv4Header) FragmentOffset() int { return int(h.FlagsFragOffset&fragOffsetMask) * 8 }

// ParseIPv4Header validates and decodes the IPv4 header at the front of buf.
// It returns a borrowed view over buf; no allocation occurs and buf is never
// mutated. The returned payload slice covers exactly TotalLength-IHL bytes,
// dropping any trailing link-layer padding.
func ParseIPv4Header(buf []byte) (IPv4Header, []byte, error) {
	if len(buf) < ipv4MinHeaderLen {
		return IPv4Header{}, nil, ErrShortPacket
	}
	verIHL := buf[0]
	version := verIHL >> 4
	ihl := int(verIHL&0x0f) * 4
	if version != 4 {
		return IPv4Header{}, nil, fmt.Errorf("codec: unsupported IP version %d", version)
	}
	if ihl < ipv4MinHeaderLen || len(buf) < ihl {
		return IPv4Header{}, nil, ErrShortPacket
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ihl || totalLen > len(buf) {
		return IPv4Header{}, nil, ErrShortPacket
	}
	if InternetChecksum(buf[:ihl]) != 0 {
		return IPv4Header{}, nil, ErrChecksumMismatch
	}
	h := IPv4Header{
		Version:         version,
		IHL:             ihl,
		TOS:             buf[1],
		TotalLength:     totalLen,
		ID:              binary.BigEndian.Uint16(buf[4:6]),
		FlagsFragOffset: binary.BigEndian.Uint16(buf[6:8]),
		TTL:             buf[8],
		Protocol:        buf[9],
		Checksum:        binary.BigEndian.Uint16(buf[10:12]),
	}
	copy(h.Src[:], buf[12:16])
	copy(h.Dst[:], buf[16:20])
	return h, buf[ihl:totalLen], nil
}

// BuildIPv4Header writes a fresh 20-byte IPv4 header (no options) into dst,
// which must be at least 20 bytes, and computes the header checksum. IHL,
// TotalLength and Checksum on h are ignored; total length is derived from
// payloadLen.
func BuildIPv4Header(dst []byte, h IPv4Header, payloadLen int) {
	total := ipv4MinHeaderLen + payloadLen
	dst[0] = 0x45 // version 4, IHL 5
	dst[1] = h.TOS
	binary.BigEndian.PutUint16(dst[2:4], uint16(total))
	binary.BigEndian.PutUint16(dst[4:6], h.ID)
	binary.BigEndian.PutUint16(dst[6:8], h.FlagsFragOffset)
	dst[8] = h.TTL
	dst[9] = h.Protocol
	dst[10], dst[11] = 0, 0
	copy(dst[12:16], h.Src[:])
	copy(dst[16:20], h.Dst[:])
	csum := InternetChecksum(dst[:ipv4MinHeaderLen])
	binary.BigEndian.PutUint16(dst[10:12], csum)
}
