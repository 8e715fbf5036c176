// Package wire implements the low-level byte layout shared by every
// replication message: unsigned varints, packed entity identifiers and
// byte-count delimited sections. Serialization happens into a single
// reusable scratch buffer; higher layers reference the produced bytes
// through half-open ranges instead of copying them around.
package wire

import "encoding/binary"

// MaxVarintLen is the largest encoded size of a 64-bit varint.
const MaxVarintLen = binary.MaxVarintLen64

// AppendUvarint appends the varint encoding of v to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// UvarintLen reports how many bytes the varint encoding of v occupies.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendEntity appends the packed form of an entity identifier. The
// index is shifted left by one and the low bit marks whether a
// generation payload follows; generations are stored minus one so the
// common first generation costs a single byte.
func AppendEntity(dst []byte, index, generation uint32) []byte {
	packed := uint64(index) << 1
	if generation > 1 {
		packed |= 1
	}
	dst = binary.AppendUvarint(dst, packed)
	if generation > 1 {
		dst = binary.AppendUvarint(dst, uint64(generation-1))
	}
	return dst
}

// EntityLen reports the encoded size of a packed entity identifier.
func EntityLen(index, generation uint32) int {
	packed := uint64(index) << 1
	if generation > 1 {
		packed |= 1
		return UvarintLen(packed) + UvarintLen(uint64(generation-1))
	}
	return UvarintLen(packed)
}
