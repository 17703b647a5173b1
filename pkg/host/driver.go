package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/protocol"
)

var (
	// ErrSandboxFault wraps traps and failed calls into the sandbox.
	ErrSandboxFault = errors.New("sandbox fault")

	// ErrOutOfBounds reports a pointer/length pair outside sandbox memory.
	ErrOutOfBounds = errors.New("sandbox memory access out of bounds")
)

// scratchSize holds the two u32 words apply writes back.
const scratchSize = 8

// Driver runs requests through an Instance using the pointer/length ABI.
type Driver struct {
	mu     sync.Mutex
	inst   Instance
	logger *slog.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger used for sandbox faults.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver wraps an instance.
func NewDriver(inst Instance, opts ...DriverOption) *Driver {
	d := &Driver{inst: inst, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute sends one request and returns the decoded response.
//
// Buffer ownership: the host allocates the input and scratch buffers and
// frees both; the output buffer is allocated by the sandbox during apply and
// freed here with exactly the length the sandbox reported. Once the sandbox
// has faulted, or handed out a pointer outside its memory, no further
// deallocation is attempted.
func (d *Driver) Execute(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	input, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}
	mem := d.inst.Memory()
	faulted := false

	inSize := uint32(len(input))
	inPtr, err := d.inst.Allocate(ctx, inSize)
	if err != nil {
		return protocol.Response{}, d.fault("alloc input", err)
	}
	defer func() {
		if !faulted {
			d.release(ctx, "input", inPtr, inSize)
		}
	}()
	if !mem.Write(inPtr, input) {
		faulted = true
		return protocol.Response{}, d.outOfBounds("write input", inPtr, inSize)
	}

	scratch, err := d.inst.Allocate(ctx, scratchSize)
	if err != nil {
		faulted = true
		return protocol.Response{}, d.fault("alloc scratch", err)
	}

	if err := d.inst.Apply(ctx, inPtr, inSize, scratch, scratch+4); err != nil {
		faulted = true
		return protocol.Response{}, d.fault("apply", err)
	}

	words, ok := mem.Read(scratch, scratchSize)
	if !ok {
		faulted = true
		return protocol.Response{}, d.outOfBounds("read scratch", scratch, scratchSize)
	}
	outPtr := binary.LittleEndian.Uint32(words[0:4])
	outSize := binary.LittleEndian.Uint32(words[4:8])

	if err := d.inst.Deallocate(ctx, scratch, scratchSize); err != nil {
		faulted = true
		return protocol.Response{}, d.fault("dealloc scratch", err)
	}

	output, ok := mem.Read(outPtr, outSize)
	if !ok {
		faulted = true
		return protocol.Response{}, d.outOfBounds("read output", outPtr, outSize)
	}
	// Copy before the sandbox may reuse the region.
	output = append([]byte(nil), output...)

	if err := d.inst.Deallocate(ctx, outPtr, outSize); err != nil {
		faulted = true
		return protocol.Response{}, d.fault("dealloc output", err)
	}

	resp, err := protocol.DecodeResponse(output)
	if err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

// Close releases the underlying instance.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inst.Close(ctx)
}

func (d *Driver) release(ctx context.Context, what string, ptr, size uint32) {
	if err := d.inst.Deallocate(ctx, ptr, size); err != nil {
		d.logger.Error("failed to free sandbox buffer", "buffer", what, "ptr", ptr, "size", size, "error", err)
	}
}

func (d *Driver) fault(step string, err error) error {
	d.logger.Error("sandbox fault", "step", step, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrSandboxFault, step, err)
}

func (d *Driver) outOfBounds(step string, ptr, size uint32) error {
	d.logger.Error("sandbox memory access out of bounds", "step", step, "ptr", ptr, "size", size)
	return fmt.Errorf("%w: %s [%d, +%d)", ErrOutOfBounds, step, ptr, size)
}
