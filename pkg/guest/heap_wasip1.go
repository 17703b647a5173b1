//go:build wasip1

package guest

import (
	"fmt"
	"sync"
	"unsafe"
)

// HeapMemory serves allocations from the Go heap of a wasip1 guest. Linear
// memory addresses are the addresses of the backing arrays, which stay
// reachable through the live map until freed.
type HeapMemory struct {
	mu   sync.Mutex
	live map[uint32][]byte
}

// NewHeapMemory creates an empty heap allocator.
func NewHeapMemory() *HeapMemory {
	return &HeapMemory{live: make(map[uint32][]byte)}
}

func (h *HeapMemory) Allocate(size uint32) (uint32, error) {
	buf := make([]byte, max(size, 1))
	ptr := uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))

	h.mu.Lock()
	h.live[ptr] = buf[:size]
	h.mu.Unlock()
	return ptr, nil
}

func (h *HeapMemory) Free(ptr, size uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.live[ptr]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFree, ptr)
	}
	if uint32(len(buf)) != size {
		return fmt.Errorf("%w: pointer %d allocated with %d, freed with %d", ErrSizeMismatch, ptr, len(buf), size)
	}
	delete(h.live, ptr)
	return nil
}

// Read views size bytes at offset. In a wasm guest every address inside the
// memory is addressable, so only the zero page is refused.
func (h *HeapMemory) Read(offset, size uint32) ([]byte, bool) {
	if offset == 0 {
		return nil, false
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), size), true
}

func (h *HeapMemory) Write(offset uint32, data []byte) bool {
	if offset == 0 {
		return false
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), len(data)), data)
	return true
}
