package simstate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Fixed layout used inside the result region, little-endian.
const (
	OFFSET_MAGIC     = 0
	OFFSET_VERSION   = 4
	OFFSET_FACETS    = 8
	OFFSET_BOUNCES   = 12
	OFFSET_DISTANCES = 16
	OFFSET_LEAK_CAP  = 20
	OFFSET_CRC       = 24

	FixedHeaderSize = 32
	countersSize    = 48
	facetSize       = 24
	leakSize        = 48

	StateMagic   uint32 = 0x534d4953 // "SIMS"
	StateVersion uint32 = 1
)

var (
	ErrBadMagic    = errors.New("result region has no state header")
	ErrChecksum    = errors.New("result region checksum mismatch")
	ErrShortBuffer = errors.New("buffer smaller than state layout")
)

// ByteSize returns how many bytes the fixed layout of shape needs.
func ByteSize(shape Shape) int {
	return FixedHeaderSize + countersSize +
		shape.Facets*facetSize +
		shape.BounceBins*8 +
		shape.DistanceBins*8 +
		8 + shape.LeakCap*leakSize
}

// WriteEmpty initialises buf with a zero state of the given shape.
func WriteEmpty(buf []byte, shape Shape) error {
	return New(shape).EncodeFixed(buf)
}

// EncodeFixed writes s with header and checksum into buf.
func (s *State) EncodeFixed(buf []byte) error {
	if err := s.Shape.Validate(); err != nil {
		return err
	}
	size := ByteSize(s.Shape)
	if len(buf) < size {
		return ErrShortBuffer
	}
	le := binary.LittleEndian

	body := buf[FixedHeaderSize:size]
	off := 0
	put := func(v uint64) {
		le.PutUint64(body[off:], v)
		off += 8
	}

	put(s.Counters.Desorbed)
	put(s.Counters.Hits)
	put(s.Counters.Absorbed)
	put(s.Counters.Leaks)
	put(s.Counters.Merges)
	put(math.Float64bits(s.Counters.SumDistance))
	for _, f := range s.Facets {
		put(f.Hits)
		put(f.Absorbed)
		put(f.Desorbed)
	}
	for _, b := range s.Bounces {
		put(b)
	}
	for _, d := range s.Distances {
		put(d)
	}
	le.PutUint32(body[off:], uint32(len(s.LeakCache)))
	le.PutUint32(body[off+4:], 0)
	off += 8
	for i := 0; i < s.Shape.LeakCap; i++ {
		var l Leak
		if i < len(s.LeakCache) {
			l = s.LeakCache[i]
		}
		for _, v := range l.Pos {
			put(math.Float64bits(v))
		}
		for _, v := range l.Dir {
			put(math.Float64bits(v))
		}
	}

	le.PutUint32(buf[OFFSET_MAGIC:], StateMagic)
	le.PutUint32(buf[OFFSET_VERSION:], StateVersion)
	le.PutUint32(buf[OFFSET_FACETS:], uint32(s.Shape.Facets))
	le.PutUint32(buf[OFFSET_BOUNCES:], uint32(s.Shape.BounceBins))
	le.PutUint32(buf[OFFSET_DISTANCES:], uint32(s.Shape.DistanceBins))
	le.PutUint32(buf[OFFSET_LEAK_CAP:], uint32(s.Shape.LeakCap))
	le.PutUint32(buf[OFFSET_CRC:], crc32.ChecksumIEEE(body))
	le.PutUint32(buf[OFFSET_CRC+4:], 0)
	return nil
}

// ReadShape returns the shape recorded in a fixed-layout header.
func ReadShape(buf []byte) (Shape, error) {
	if len(buf) < FixedHeaderSize {
		return Shape{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	if le.Uint32(buf[OFFSET_MAGIC:]) != StateMagic {
		return Shape{}, ErrBadMagic
	}
	if v := le.Uint32(buf[OFFSET_VERSION:]); v != StateVersion {
		return Shape{}, fmt.Errorf("unsupported state version %d", v)
	}
	shape := Shape{
		Facets:       int(le.Uint32(buf[OFFSET_FACETS:])),
		BounceBins:   int(le.Uint32(buf[OFFSET_BOUNCES:])),
		DistanceBins: int(le.Uint32(buf[OFFSET_DISTANCES:])),
		LeakCap:      int(le.Uint32(buf[OFFSET_LEAK_CAP:])),
	}
	if err := shape.Validate(); err != nil {
		return Shape{}, err
	}
	if len(buf) < ByteSize(shape) {
		return Shape{}, ErrShortBuffer
	}
	return shape, nil
}

// VerifyFixed checks header and checksum without decoding.
func VerifyFixed(buf []byte) error {
	shape, err := ReadShape(buf)
	if err != nil {
		return err
	}
	body := buf[FixedHeaderSize:ByteSize(shape)]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(buf[OFFSET_CRC:]) {
		return ErrChecksum
	}
	return nil
}

// DecodeFixed reads a state written by EncodeFixed.
func DecodeFixed(buf []byte) (*State, error) {
	if err := VerifyFixed(buf); err != nil {
		return nil, err
	}
	shape, _ := ReadShape(buf)
	le := binary.LittleEndian

	body := buf[FixedHeaderSize:ByteSize(shape)]
	off := 0
	get := func() uint64 {
		v := le.Uint64(body[off:])
		off += 8
		return v
	}

	s := New(shape)
	s.Counters.Desorbed = get()
	s.Counters.Hits = get()
	s.Counters.Absorbed = get()
	s.Counters.Leaks = get()
	s.Counters.Merges = get()
	s.Counters.SumDistance = math.Float64frombits(get())
	for i := range s.Facets {
		s.Facets[i] = FacetCounter{Hits: get(), Absorbed: get(), Desorbed: get()}
	}
	for i := range s.Bounces {
		s.Bounces[i] = get()
	}
	for i := range s.Distances {
		s.Distances[i] = get()
	}
	leaks := int(le.Uint32(body[off:]))
	off += 8
	if leaks > shape.LeakCap {
		return nil, fmt.Errorf("leak count %d exceeds cache %d", leaks, shape.LeakCap)
	}
	for i := 0; i < leaks; i++ {
		var l Leak
		for j := range l.Pos {
			l.Pos[j] = math.Float64frombits(get())
		}
		for j := range l.Dir {
			l.Dir[j] = math.Float64frombits(get())
		}
		s.LeakCache = append(s.LeakCache, l)
	}
	return s, nil
}
