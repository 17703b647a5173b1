package guest

import (
	"context"
	"errors"

	"github.com/aretw0/espalier/pkg/host"
)

var errClosed = errors.New("sandbox closed")

// Sandbox runs a Handler in-process behind the same ABI a wasm guest
// exports. It implements host.Instance.
type Sandbox struct {
	mem     *LinearMemory
	adapter *Adapter
	closed  bool
}

var _ host.Instance = (*Sandbox)(nil)

// NewSandbox creates a sandbox with its own linear memory.
func NewSandbox(handler Handler, maxPages uint32) *Sandbox {
	mem := NewLinearMemory(maxPages)
	return &Sandbox{mem: mem, adapter: NewAdapter(mem, handler)}
}

// LinearMemory exposes the backing memory for inspection.
func (s *Sandbox) LinearMemory() *LinearMemory { return s.mem }

func (s *Sandbox) Memory() host.Memory { return s.mem }

func (s *Sandbox) Allocate(_ context.Context, size uint32) (uint32, error) {
	if s.closed {
		return 0, errClosed
	}
	return s.adapter.Allocate(size)
}

func (s *Sandbox) Deallocate(_ context.Context, ptr, size uint32) error {
	if s.closed {
		return errClosed
	}
	return s.adapter.Deallocate(ptr, size)
}

func (s *Sandbox) Apply(_ context.Context, inPtr, inSize, outPtrSlot, outSizeSlot uint32) error {
	if s.closed {
		return errClosed
	}
	return s.adapter.Apply(inPtr, inSize, outPtrSlot, outSizeSlot)
}

func (s *Sandbox) Close(context.Context) error {
	s.closed = true
	return nil
}
