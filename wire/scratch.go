package wire

// Range addresses a half-open span of bytes inside a Scratch buffer.
type Range struct {
	Start uint32
	End   uint32
}

// Len reports the number of bytes the range covers.
func (r Range) Len() int {
	return int(r.End - r.Start)
}

// Empty reports whether the range covers no bytes.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Scratch is a grow-only byte arena reused across ticks. Serialized
// records are appended once and later assembled into per-client
// messages by copying ranges, so shared payloads are encoded a single
// time no matter how many clients receive them.
type Scratch struct {
	buf []byte
}

// Reset discards the buffered bytes while keeping the capacity.
func (s *Scratch) Reset() {
	s.buf = s.buf[:0]
}

// Len reports the number of buffered bytes.
func (s *Scratch) Len() int {
	return len(s.buf)
}

// Mark returns the current write offset for a later Since call.
func (s *Scratch) Mark() uint32 {
	return uint32(len(s.buf))
}

// Since returns the range covering everything written after mark.
func (s *Scratch) Since(mark uint32) Range {
	return Range{Start: mark, End: uint32(len(s.buf))}
}

// Truncate rolls the buffer back to mark, discarding a partial write.
func (s *Scratch) Truncate(mark uint32) {
	s.buf = s.buf[:mark]
}

// Slice returns the bytes addressed by r. The slice aliases the
// scratch buffer and is only valid until the next Reset.
func (s *Scratch) Slice(r Range) []byte {
	return s.buf[r.Start:r.End]
}

// PutUvarint appends the varint encoding of v.
func (s *Scratch) PutUvarint(v uint64) {
	s.buf = AppendUvarint(s.buf, v)
}

// PutBytes appends p verbatim.
func (s *Scratch) PutBytes(p []byte) {
	s.buf = append(s.buf, p...)
}

// PutEntity appends a packed entity identifier.
func (s *Scratch) PutEntity(index, generation uint32) {
	s.buf = AppendEntity(s.buf, index, generation)
}

// PutUint64 appends v as eight little-endian bytes. Fixed width keeps
// signature hashes cheap to compare on the receiving side.
func (s *Scratch) PutUint64(v uint64) {
	s.buf = append(s.buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// RangeList collects scratch ranges destined for one client message.
// Appending a range that starts where the previous one ended extends
// it in place, so runs of shared records collapse into a single copy.
type RangeList struct {
	ranges []Range
	total  int
}

// Append adds r to the list, merging with the tail when adjacent.
func (l *RangeList) Append(r Range) {
	if r.Empty() {
		return
	}
	l.total += r.Len()
	if n := len(l.ranges); n > 0 && l.ranges[n-1].End == r.Start {
		l.ranges[n-1].End = r.End
		return
	}
	l.ranges = append(l.ranges, r)
}

// Len reports the total bytes covered by the list.
func (l *RangeList) Len() int {
	return l.total
}

// Empty reports whether the list covers no bytes.
func (l *RangeList) Empty() bool {
	return l.total == 0
}

// Spans reports how many distinct copy operations assembly will need.
func (l *RangeList) Spans() int {
	return len(l.ranges)
}

// Reset clears the list while keeping the backing capacity.
func (l *RangeList) Reset() {
	l.ranges = l.ranges[:0]
	l.total = 0
}

// AppendTo copies every listed range out of s onto dst in order.
func (l *RangeList) AppendTo(dst []byte, s *Scratch) []byte {
	for _, r := range l.ranges {
		dst = append(dst, s.Slice(r)...)
	}
	return dst
}
