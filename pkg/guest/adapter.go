package guest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/aretw0/espalier/pkg/protocol"
)

// Handler turns a request envelope into a response envelope. It must always
// return a valid response; executor.Executor satisfies it.
type Handler interface {
	Execute(input []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(input []byte) []byte

func (f HandlerFunc) Execute(input []byte) []byte { return f(input) }

// Adapter implements the three sandbox entry points on top of a Memory.
//
// Ownership: buffers returned by Allocate belong to the caller until they are
// passed to Deallocate. Apply never frees its input; the output buffer it
// allocates is handed to the caller, who frees it with the size written to
// the length slot.
type Adapter struct {
	mem     Memory
	handler Handler
}

// NewAdapter binds a handler to a memory.
func NewAdapter(mem Memory, handler Handler) *Adapter {
	return &Adapter{mem: mem, handler: handler}
}

// Allocate reserves size bytes and returns their address.
func (a *Adapter) Allocate(size uint32) (uint32, error) {
	return a.mem.Allocate(size)
}

// Deallocate releases a buffer obtained from Allocate or from Apply's output.
func (a *Adapter) Deallocate(ptr, size uint32) error {
	return a.mem.Free(ptr, size)
}

// Apply reads the request at [inPtr, inPtr+inSize), runs the handler and
// writes the output address and length as little-endian u32 words at
// outPtrSlot and outSizeSlot. Returned errors are contract violations the
// sandbox traps on; handler failures travel inside the response.
func (a *Adapter) Apply(inPtr, inSize, outPtrSlot, outSizeSlot uint32) error {
	input, ok := a.mem.Read(inPtr, inSize)
	if !ok {
		return fmt.Errorf("%w: input [%d, +%d)", ErrOutOfBounds, inPtr, inSize)
	}
	input = bytes.Clone(input)

	output := a.run(input)

	size := uint32(len(output))
	ptr, err := a.mem.Allocate(size)
	if err != nil {
		return fmt.Errorf("failed to allocate output buffer: %w", err)
	}
	if !a.mem.Write(ptr, output) {
		return fmt.Errorf("%w: output [%d, +%d)", ErrOutOfBounds, ptr, size)
	}
	if !a.mem.Write(outPtrSlot, binary.LittleEndian.AppendUint32(nil, ptr)) {
		return fmt.Errorf("%w: pointer slot %d", ErrOutOfBounds, outPtrSlot)
	}
	if !a.mem.Write(outSizeSlot, binary.LittleEndian.AppendUint32(nil, size)) {
		return fmt.Errorf("%w: length slot %d", ErrOutOfBounds, outSizeSlot)
	}
	return nil
}

func (a *Adapter) run(input []byte) (output []byte) {
	defer func() {
		if r := recover(); r != nil {
			output, _ = protocol.EncodeResponse(protocol.ErrorResponse(fmt.Sprintf("panic: %v", r)))
		}
	}()
	return a.handler.Execute(input)
}
