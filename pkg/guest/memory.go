package guest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	// PageSize is the wasm page size. LinearMemory grows in whole pages.
	PageSize = 64 * 1024

	alignment = 8

	// heapBase keeps address 0 out of the heap so a zero pointer is never a
	// valid allocation.
	heapBase = alignment
)

var (
	ErrOutOfMemory  = errors.New("out of memory")
	ErrInvalidFree  = errors.New("free of unallocated pointer")
	ErrSizeMismatch = errors.New("free size does not match allocation")
	ErrOutOfBounds  = errors.New("memory access out of bounds")
)

// Memory is the sandbox side of the allocation contract: buffers are
// allocated by size and must be freed with exactly that size.
type Memory interface {
	Allocate(size uint32) (uint32, error)
	Free(ptr, size uint32) error
	Read(offset, size uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
}

type span struct {
	start, size uint32
}

// LinearMemory is a byte buffer grown in pages with a first-fit free list.
// It is safe for concurrent use, although a sandbox is normally driven by
// one caller at a time.
type LinearMemory struct {
	mu       sync.Mutex
	buf      []byte
	maxPages uint32
	free     []span // sorted by start, never adjacent
	live     map[uint32]uint32
}

// NewLinearMemory creates a memory of one page. maxPages of 0 means no limit
// beyond the 32-bit address space.
func NewLinearMemory(maxPages uint32) *LinearMemory {
	m := &LinearMemory{
		buf:      make([]byte, PageSize),
		maxPages: maxPages,
		live:     make(map[uint32]uint32),
	}
	m.free = []span{{start: heapBase, size: PageSize - heapBase}}
	return m
}

// Allocate returns a zeroed region of at least size bytes. A zero size still
// yields a distinct, freeable pointer.
func (m *LinearMemory) Allocate(size uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := roundUp(size)
	if need < size {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	for {
		for i, s := range m.free {
			if s.size < need {
				continue
			}
			ptr := s.start
			if s.size == need {
				m.free = append(m.free[:i], m.free[i+1:]...)
			} else {
				m.free[i] = span{start: s.start + need, size: s.size - need}
			}
			clear(m.buf[ptr : ptr+need])
			m.live[ptr] = size
			return ptr, nil
		}
		if err := m.grow(need); err != nil {
			return 0, err
		}
	}
}

// Free returns a region to the free list. size must be the size given to
// Allocate.
func (m *LinearMemory) Free(ptr, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocated, ok := m.live[ptr]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidFree, ptr)
	}
	if allocated != size {
		return fmt.Errorf("%w: pointer %d allocated with %d, freed with %d", ErrSizeMismatch, ptr, allocated, size)
	}
	delete(m.live, ptr)
	m.release(span{start: ptr, size: roundUp(size)})
	return nil
}

// Read returns a copy of the bytes at [offset, offset+size).
func (m *LinearMemory) Read(offset, size uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inBounds(offset, size) {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, m.buf[offset:])
	return out, true
}

// Write copies data to offset.
func (m *LinearMemory) Write(offset uint32, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inBounds(offset, uint32(len(data))) || uint64(len(data)) > uint64(^uint32(0)) {
		return false
	}
	copy(m.buf[offset:], data)
	return true
}

// Size returns the current memory size in bytes.
func (m *LinearMemory) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.buf))
}

// InUse returns the number of live allocations.
func (m *LinearMemory) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *LinearMemory) inBounds(offset, size uint32) bool {
	end := uint64(offset) + uint64(size)
	return end <= uint64(len(m.buf))
}

// grow adds enough pages for a region of need bytes, counting a free span
// that already reaches the end of the buffer.
func (m *LinearMemory) grow(need uint32) error {
	current := uint64(len(m.buf))
	var tail uint64
	if n := len(m.free); n > 0 {
		last := m.free[n-1]
		if uint64(last.start)+uint64(last.size) == current {
			tail = uint64(last.size)
		}
	}
	missing := uint64(need) - tail
	pages := (missing + PageSize - 1) / PageSize
	total := current/PageSize + pages
	if total > 1<<16 || (m.maxPages > 0 && total > uint64(m.maxPages)) {
		return fmt.Errorf("%w: cannot grow to %d pages", ErrOutOfMemory, total)
	}
	m.buf = append(m.buf, make([]byte, pages*PageSize)...)
	m.release(span{start: uint32(current), size: uint32(pages * PageSize)})
	return nil
}

// release inserts a span into the free list, merging with neighbours.
func (m *LinearMemory) release(s span) {
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].start > s.start })
	m.free = append(m.free, span{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = s

	if i+1 < len(m.free) && m.free[i].start+m.free[i].size == m.free[i+1].start {
		m.free[i].size += m.free[i+1].size
		m.free = append(m.free[:i+1], m.free[i+2:]...)
	}
	if i > 0 && m.free[i-1].start+m.free[i-1].size == m.free[i].start {
		m.free[i-1].size += m.free[i].size
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
}

func roundUp(size uint32) uint32 {
	if size == 0 {
		return alignment
	}
	return (size + alignment - 1) &^ (alignment - 1)
}
