/*
Package wasm runs guest state machines on the wazero WebAssembly runtime.

A guest module must export:

	memory                          linear memory
	alloc(size i32) -> i32          reserve a buffer
	dealloc(ptr i32, size i32)      release it with the same size
	apply(in_ptr, in_size, out_ptr_slot, out_size_slot i32)

ModuleCache compiles every .wasm file in a directory once and creates a
fresh Instance per request. Go guests are built as reactors:

	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o accumulator.wasm ./examples/accumulator
*/
package wasm
