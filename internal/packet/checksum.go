package packet

import "encoding/binary"

// Checksum computes the 16-bit one's complement Internet checksum of data.
// An odd trailing byte is treated as the high byte of a zero-padded word.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// putChecksum zeroes the checksum field at offset, computes the checksum of
// region and stores it there in network order.
func putChecksum(region []byte, offset int) {
	region[offset] = 0
	region[offset+1] = 0
	binary.BigEndian.PutUint16(region[offset:offset+2], Checksum(region))
}

// ValidChecksum reports whether region, including its stored checksum, sums
// to 0xffff.
func ValidChecksum(region []byte) bool {
	return Checksum(region) == 0
}
