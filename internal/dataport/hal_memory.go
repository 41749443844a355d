package dataport

import "unsafe"

// InMemoryProvider keeps region bytes in a process-local buffer.
// Backed by a []uint64 so 64-bit atomics are always aligned.
type InMemoryProvider struct {
	words
	backing []uint64
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	backing := make([]uint64, (uint64(size)+7)/8)
	var data []byte
	if len(backing) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)
	} else {
		data = []byte{}
	}
	return &InMemoryProvider{
		words:   words{data: data},
		backing: backing,
	}
}

// Close is a no-op; the buffer lives until its namespace drops it.
func (m *InMemoryProvider) Close() error {
	return nil
}
