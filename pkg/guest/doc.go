/*
Package guest implements the sandbox side of the host ABI.

A sandbox exports three entry points:

	alloc(size) -> ptr
	dealloc(ptr, size)
	apply(in_ptr, in_size, out_ptr_slot, out_size_slot)

Adapter implements them over any Memory. LinearMemory is a page-grown
buffer with a free-list allocator that checks the size given at free time,
and Sandbox combines both into an in-process host.Instance. Guest binaries
built for GOOS=wasip1 use HeapMemory and export the entry points with
//go:wasmexport (see examples/accumulator).
*/
package guest
