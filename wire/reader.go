package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer reports a read past the end of the payload.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrOverflow reports a varint wider than 64 bits.
var ErrOverflow = errors.New("wire: varint overflow")

// Reader walks a received payload front to back.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps payload for decoding. The reader borrows the slice.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Uvarint decodes the next unsigned varint.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n == 0 {
		return 0, ErrShortBuffer
	}
	if n < 0 {
		return 0, ErrOverflow
	}
	r.off += n
	return v, nil
}

// Uint64 decodes the next eight bytes as a little-endian integer.
func (r *Reader) Uint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Bytes returns the next n bytes without copying them.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p, nil
}

// Section reads a byte-count prefix and returns a reader scoped to the
// delimited bytes, leaving the outer reader positioned after them.
// Receivers use this to skip sections they do not understand.
func (r *Reader) Section() (*Reader, error) {
	size, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	body, err := r.Bytes(int(size))
	if err != nil {
		return nil, err
	}
	return &Reader{buf: body}, nil
}

// Entity decodes a packed entity identifier.
func (r *Reader) Entity() (index, generation uint32, err error) {
	packed, err := r.Uvarint()
	if err != nil {
		return 0, 0, err
	}
	generation = 1
	if packed&1 != 0 {
		g, err := r.Uvarint()
		if err != nil {
			return 0, 0, err
		}
		generation = uint32(g) + 1
	}
	return uint32(packed >> 1), generation, nil
}
