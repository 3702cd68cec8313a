package codec

import "encoding/binary"

// TCP control bits.
const (
	FlagFIN byte = 0x01
	FlagSYN byte = 0x02
	FlagRST byte = 0x04
	FlagPSH byte = 0x08
	FlagACK byte = 0x10
	FlagURG byte = 0x20
)

const tcpMinHeaderLen = 20

// TCP option kinds this codec understands. Anything else is skipped over
// during option parsing (see §1 Non-goals: "TCP options beyond MSS and
// window scale negotiation").
const (
	tcpOptEnd = 0
	tcpOptNOP = 1
	tcpOptMSS = 2
	tcpOptWS  = 3
)

// TCPSegment is a decoded view over a TCP segment. Options and Payload are
// borrowed sub-slices of the buffer passed to ParseTCPSegment.
type TCPSegment struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // header length in bytes, including options
	Flags      byte
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []byte
	Payload    []byte
}

// ParseTCPSegment validates and decodes a TCP segment. src/dst are the
// enclosing IPv4 addresses, required for pseudo-header checksum
// verification.
func ParseTCPSegment(src, dst [4]byte, buf []byte) (TCPSegment, error) {
	if len(buf) < tcpMinHeaderLen {
		return TCPSegment{}, ErrShortPacket
	}
	dataOff := int(buf[12]>>4) * 4
	if dataOff < tcpMinHeaderLen || dataOff > len(buf) {
		return TCPSegment{}, ErrShortPacket
	}
	if TransportChecksum(src, dst, ProtoTCP, buf) != 0 {
		return TCPSegment{}, ErrChecksumMismatch
	}
	seg := TCPSegment{
		SrcPort:    binary.BigEndian.Uint16(buf[0:2]),
		DstPort:    binary.BigEndian.Uint16(buf[2:4]),
		Seq:        binary.BigEndian.Uint32(buf[4:8]),
		Ack:        binary.BigEndian.Uint32(buf[8:12]),
		DataOffset: dataOff,
		Flags:      buf[13],
		Window:     binary.BigEndian.Uint16(buf[14:16]),
		Checksum:   binary.BigEndian.Uint16(buf[16:18]),
		Urgent:     binary.BigEndian.Uint16(buf[18:20]),
	}
	if dataOff > tcpMinHeaderLen {
		seg.Options = buf[tcpMinHeaderLen:dataOff]
	}
	seg.Payload = buf[dataOff:]
	return seg, nil
}

// ParseSYNOptions extracts the MSS and window-scale options from a SYN
// segment's option bytes. wscalePresent is false when no window scale
// option was carried (the peer does not support window scaling).
func ParseSYNOptions(opts []byte) (mss uint16, wscale int, wscalePresent bool) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		if kind == tcpOptEnd {
			break
		}
		if kind == tcpOptNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			break
		}
		switch kind {
		case tcpOptMSS:
			if l == 4 {
				mss = binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
		case tcpOptWS:
			if l == 3 {
				wscale = int(opts[i+2])
				wscalePresent = true
			}
		}
		i += l
	}
	return mss, wscale, wscalePresent
}

func buildSYNOptions(mss uint16, wscale int) []byte {
	opts := make([]byte, 0, 8)
	if mss > 0 {
		opts = append(opts, tcpOptMSS, 4, byte(mss>>8), byte(mss))
	}
	if wscale >= 0 {
		opts = append(opts, tcpOptWS, 3, byte(wscale), tcpOptNOP)
	}
	for len(opts)%4 != 0 {
		opts = append(opts, tcpOptEnd)
	}
	return opts
}

// EncodeTCP emits a fully-formed IPv4+TCP packet into a buffer taken from
// the pool. When flags carries SYN, mss/wscale are encoded as TCP options
// (window scale only if wscale >= 0); otherwise no options are emitted.
func EncodeTCP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16, mss uint16, wscale int, payload []byte, tos, ttl byte) []byte {
	var opts []byte
	if flags&FlagSYN != 0 {
		opts = buildSYNOptions(mss, wscale)
	}
	headerLen := tcpMinHeaderLen + len(opts)
	total := ipv4MinHeaderLen + headerLen + len(payload)
	buf := Get(total)

	ipHdr := IPv4Header{
		TOS:      tos,
		ID:       NextIPID(),
		TTL:      ttl,
		Protocol: ProtoTCP,
		Src:      srcIP,
		Dst:      dstIP,
	}
	BuildIPv4Header(buf, ipHdr, headerLen+len(payload))

	tcpBuf := buf[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(tcpBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(tcpBuf[2:4], dstPort)
	binary.BigEndian.PutUint32(tcpBuf[4:8], seq)
	binary.BigEndian.PutUint32(tcpBuf[8:12], ack)
	tcpBuf[12] = byte(headerLen/4) << 4
	tcpBuf[13] = flags
	binary.BigEndian.PutUint16(tcpBuf[14:16], window)
	tcpBuf[16], tcpBuf[17] = 0, 0
	tcpBuf[18], tcpBuf[19] = 0, 0
	if len(opts) > 0 {
		copy(tcpBuf[tcpMinHeaderLen:headerLen], opts)
	}
	copy(tcpBuf[headerLen:], payload)

	csum := TransportChecksum(srcIP, dstIP, ProtoTCP, tcpBuf)
	binary.BigEndian.PutUint16(tcpBuf[16:18], csum)
	return buf
}
