package wasm

import (
	"context"
	"fmt"
	"slices"

	"github.com/aretw0/espalier/pkg/host"
	"github.com/tetratelabs/wazero/api"
)

// Export names every guest module must provide.
const (
	ExportMemory  = "memory"
	ExportAlloc   = "alloc"
	ExportDealloc = "dealloc"
	ExportApply   = "apply"
)

var (
	i32      = api.ValueTypeI32
	sigAlloc = signature{params: []api.ValueType{i32}, results: []api.ValueType{i32}}
	sigFree  = signature{params: []api.ValueType{i32, i32}}
	sigApply = signature{params: []api.ValueType{i32, i32, i32, i32}}
)

type signature struct {
	params, results []api.ValueType
}

// Instance is a wazero module instance exposing the guest ABI.
type Instance struct {
	mod     api.Module
	mem     api.Memory
	alloc   api.Function
	dealloc api.Function
	apply   api.Function
}

var _ host.Instance = (*Instance)(nil)

// newInstance resolves and type-checks the ABI exports of mod.
func newInstance(mod api.Module) (*Instance, error) {
	mem := mod.ExportedMemory(ExportMemory)
	if mem == nil {
		return nil, fmt.Errorf("missing export %q", ExportMemory)
	}
	inst := &Instance{mod: mod, mem: mem}

	var err error
	if inst.alloc, err = export(mod, ExportAlloc, sigAlloc); err != nil {
		return nil, err
	}
	if inst.dealloc, err = export(mod, ExportDealloc, sigFree); err != nil {
		return nil, err
	}
	if inst.apply, err = export(mod, ExportApply, sigApply); err != nil {
		return nil, err
	}
	return inst, nil
}

func export(mod api.Module, name string, sig signature) (api.Function, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("missing export %q", name)
	}
	def := fn.Definition()
	if !slices.Equal(def.ParamTypes(), sig.params) || !slices.Equal(def.ResultTypes(), sig.results) {
		return nil, fmt.Errorf("export %q has signature %v -> %v", name, def.ParamTypes(), def.ResultTypes())
	}
	return fn, nil
}

// Memory returns the exported linear memory. Reads are views into it.
func (i *Instance) Memory() host.Memory {
	return i.mem
}

func (i *Instance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := i.alloc.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(results[0]), nil
}

func (i *Instance) Deallocate(ctx context.Context, ptr, size uint32) error {
	_, err := i.dealloc.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(size))
	return err
}

func (i *Instance) Apply(ctx context.Context, inPtr, inSize, outPtrSlot, outSizeSlot uint32) error {
	_, err := i.apply.Call(ctx,
		api.EncodeU32(inPtr), api.EncodeU32(inSize),
		api.EncodeU32(outPtrSlot), api.EncodeU32(outSizeSlot),
	)
	return err
}

func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}
