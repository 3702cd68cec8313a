package codec

import "encoding/binary"

const udpHeaderLen = 8

// UDPDatagram is a decoded view over a UDP datagram. Payload is a borrowed
// sub-slice of the buffer passed to ParseUDPDatagram.
type UDPDatagram struct {
	SrcPort  uint16
	DstPort  uint16
	Length   int
	Checksum uint16
	Payload  []byte
}

// ParseUDPDatagram validates and decodes a UDP datagram. A zero checksum
// field is legal for IPv4 UDP (checksum disabled) and skips verification.
func ParseUDPDatagram(src, dst [4]byte, buf []byte) (UDPDatagram, error) {
	if len(buf) < udpHeaderLen {
		return UDPDatagram{}, ErrShortPacket
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < udpHeaderLen || length > len(buf) {
		return UDPDatagram{}, ErrShortPacket
	}
	d := UDPDatagram{
		SrcPort:  binary.BigEndian.Uint16(buf[0:2]),
		DstPort:  binary.BigEndian.Uint16(buf[2:4]),
		Length:   length,
		Checksum: binary.BigEndian.Uint16(buf[6:8]),
		Payload:  buf[udpHeaderLen:length],
	}
	if d.Checksum != 0 && TransportChecksum(src, dst, ProtoUDP, buf[:length]) != 0 {
		return UDPDatagram{}, ErrChecksumMismatch
	}
	return d, nil
}

// EncodeUDP emits a fully-formed IPv4+UDP packet into a buffer taken from
// the pool.
func EncodeUDP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte, tos, ttl byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	total := ipv4MinHeaderLen + udpLen
	buf := Get(total)

	ipHdr := IPv4Header{TOS: tos, ID: NextIPID(), TTL: ttl, Protocol: ProtoUDP, Src: srcIP, Dst: dstIP}
	BuildIPv4Header(buf, ipHdr, udpLen)

	udpBuf := buf[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(udpBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(udpBuf[2:4], dstPort)
	binary.BigEndian.PutUint16(udpBuf[4:6], uint16(udpLen))
	udpBuf[6], udpBuf[7] = 0, 0
	copy(udpBuf[8:], payload)

	csum := TransportChecksum(srcIP, dstIP, ProtoUDP, udpBuf)
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(udpBuf[6:8], csum)
	return buf
}

// EncodeUDPFragments fragments a UDP datagram across multiple IPv4 packets
// when the full datagram would exceed mtu, aligning fragment payloads to
// 8-byte boundaries per RFC 791. The first fragment carries the UDP header;
// later fragments carry only payload bytes with MF set on all but the last.
func EncodeUDPFragments(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte, tos, ttl byte, mtu int) [][]byte {
	if mtu <= ipv4MinHeaderLen+8 {
		return nil
	}
	udpLen := udpHeaderLen + len(payload)
	full := make([]byte, udpLen)
	binary.BigEndian.PutUint16(full[0:2], srcPort)
	binary.BigEndian.PutUint16(full[2:4], dstPort)
	binary.BigEndian.PutUint16(full[4:6], uint16(udpLen))
	copy(full[8:], payload)
	csum := TransportChecksum(srcIP, dstIP, ProtoUDP, full)
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(full[6:8], csum)

	maxFrag := (mtu - ipv4MinHeaderLen) &^ 7
	if maxFrag <= 0 {
		return nil
	}

	var frags [][]byte
	id := NextIPID()
	offset := 0
	for offset < udpLen {
		size := udpLen - offset
		if size > maxFrag {
			size = maxFrag
		}
		total := ipv4MinHeaderLen + size
		pkt := Get(total)

		var flagsFrag uint16
		if offset+size < udpLen {
			flagsFrag = flagMoreFragments
		}
		flagsFrag |= uint16(offset/8) & fragOffsetMask

		ipHdr := IPv4Header{TOS: tos, ID: id, FlagsFragOffset: flagsFrag, TTL: ttl, Protocol: ProtoUDP, Src: srcIP, Dst: dstIP}
		BuildIPv4Header(pkt, ipHdr, size)
		copy(pkt[ipv4MinHeaderLen:], full[offset:offset+size])
		frags = append(frags, pkt)
		offset += size
	}
	return frags
}
