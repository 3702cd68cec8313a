package codec

import "encoding/binary"

// InternetChecksum computes the ones-complement-of-ones-complement-sum
// checksum used by IPv4 headers (RFC 791 §3.1). data must have an even
// length for a fully wire-accurate result over a header; an odd trailing
// byte is padded with a zero low byte, matching TCP/UDP segment checksums.
func InternetChecksum(data []byte) uint16 {
	sum := sumWords(data)
	return ^uint16(foldCarries(sum))
}

func sumWords(data []byte) uint32 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

func foldCarries(sum uint32) uint32 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return sum
}

// pseudoHeaderSum returns the running checksum accumulator for the IPv4
// pseudo-header (src, dst, zero, proto, length) prepended for TCP/UDP
// checksum purposes.
func pseudoHeaderSum(src, dst [4]byte, proto byte, length int) uint32 {
	var pseudo [12]byte
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[8] = 0
	pseudo[9] = proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(length))
	return sumWords(pseudo[:])
}

// TransportChecksum computes the TCP/UDP checksum over the pseudo-header
// plus the full segment (header + payload). When validating an inbound
// segment, pass the segment including its existing checksum field; a
// correct checksum sums to zero once folded.
func TransportChecksum(src, dst [4]byte, proto byte, segment []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, proto, len(segment)) + sumWords(segment)
	return ^uint16(foldCarries(sum))
}
