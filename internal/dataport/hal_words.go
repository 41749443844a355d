package dataport

import (
	"sync/atomic"
	"unsafe"
)

// words implements the atomic half of MemoryProvider over a byte slice whose
// base address is at least 8-byte aligned.
type words struct {
	data []byte
}

func (w *words) ptr(offset, width uint32) (unsafe.Pointer, error) {
	if w.data == nil {
		return nil, ErrClosed
	}
	if err := checkWord(uint32(len(w.data)), offset, width); err != nil {
		return nil, err
	}
	return unsafe.Pointer(&w.data[offset]), nil
}

func (w *words) AtomicLoad32(offset uint32) (uint32, error) {
	p, err := w.ptr(offset, 4)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(p)), nil
}

func (w *words) AtomicStore32(offset uint32, val uint32) error {
	p, err := w.ptr(offset, 4)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(p), val)
	return nil
}

func (w *words) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	p, err := w.ptr(offset, 4)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(p), delta), nil
}

func (w *words) AtomicLoad64(offset uint32) (uint64, error) {
	p, err := w.ptr(offset, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(p)), nil
}

func (w *words) AtomicStore64(offset uint32, val uint64) error {
	p, err := w.ptr(offset, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(p), val)
	return nil
}

func (w *words) CompareAndSwap64(offset uint32, old, new uint64) (bool, error) {
	p, err := w.ptr(offset, 8)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64((*uint64)(p), old, new), nil
}

func (w *words) Size() uint32 {
	return uint32(len(w.data))
}

func (w *words) ReadAt(offset uint32, dest []byte) error {
	if w.data == nil {
		return ErrClosed
	}
	if err := checkRange(uint32(len(w.data)), offset, len(dest)); err != nil {
		return err
	}
	copy(dest, w.data[offset:])
	return nil
}

func (w *words) WriteAt(offset uint32, src []byte) error {
	if w.data == nil {
		return ErrClosed
	}
	if err := checkRange(uint32(len(w.data)), offset, len(src)); err != nil {
		return err
	}
	copy(w.data[offset:], src)
	return nil
}
