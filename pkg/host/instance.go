package host

import "context"

// Memory is the host view of a sandbox's linear memory.
type Memory interface {
	// Read returns size bytes at offset, or false if the range is out of bounds.
	Read(offset, size uint32) ([]byte, bool)

	// Write copies data to offset, or returns false if the range is out of bounds.
	Write(offset uint32, data []byte) bool
}

// Instance is one live sandbox exposing the alloc / dealloc / apply entry
// points. Instances are not reentrant.
type Instance interface {
	Memory() Memory
	Allocate(ctx context.Context, size uint32) (uint32, error)
	Deallocate(ctx context.Context, ptr, size uint32) error
	Apply(ctx context.Context, inPtr, inSize, outPtrSlot, outSizeSlot uint32) error
	Close(ctx context.Context) error
}
