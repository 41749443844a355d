package dataport

import "errors"

// MemoryProvider abstracts access to the bytes behind a region.
// Implementations may be backed by an mmap'd file or an in-process buffer.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	AtomicLoad64(offset uint32) (uint64, error)
	AtomicStore64(offset uint32, val uint64) error
	CompareAndSwap64(offset uint32, old, new uint64) (bool, error)
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not aligned")
	ErrClosed      = errors.New("memory provider closed")
)

func checkRange(size, offset uint32, n int) error {
	if uint64(offset)+uint64(n) > uint64(size) {
		return ErrOutOfBounds
	}
	return nil
}

func checkWord(size, offset, width uint32) error {
	if uint64(offset)+uint64(width) > uint64(size) {
		return ErrOutOfBounds
	}
	if offset%width != 0 {
		return ErrMisaligned
	}
	return nil
}
