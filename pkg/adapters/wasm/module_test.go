package wasm_test

// Hand-assembled guest modules. Each exports a 1-page memory, a bump
// allocator, a no-op dealloc and an apply whose body is supplied by the test.

const (
	opEnd         = 0x0b
	opUnreachable = 0x00
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI32Store    = 0x36
	opI32Add      = 0x6a
	opI32And      = 0x71
	valI32        = 0x7f

	// dataOffset is where the canned response lives.
	dataOffset = 16
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func section(id byte, body []byte) []byte {
	return append(append([]byte{id}, uleb(uint32(len(body)))...), body...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(v)...)
}

func body(code ...[]byte) []byte {
	fn := []byte{0x00} // no locals
	for _, c := range code {
		fn = append(fn, c...)
	}
	fn = append(fn, opEnd)
	return append(uleb(uint32(len(fn))), fn...)
}

// storeWord stores value at the address held in local idx.
func storeWord(local byte, value []byte) []byte {
	out := []byte{opLocalGet, local}
	out = append(out, value...)
	return append(out, opI32Store, 0x02, 0x00)
}

// buildModule assembles a guest. response is placed at dataOffset; apply
// is the instruction sequence of the apply function.
func buildModule(response []byte, apply []byte) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	mod = append(mod, section(1, vec(
		[]byte{0x60, 0x01, valI32, 0x01, valI32},
		[]byte{0x60, 0x02, valI32, valI32, 0x00},
		[]byte{0x60, 0x04, valI32, valI32, valI32, valI32, 0x00},
	))...)
	mod = append(mod, section(3, vec([]byte{0}, []byte{1}, []byte{2}))...)
	mod = append(mod, section(5, vec([]byte{0x00, 0x01}))...)
	mod = append(mod, section(6, vec(
		append(append([]byte{valI32, 0x01}, i32Const(1024)...), opEnd),
	))...)
	mod = append(mod, section(7, vec(
		append(name("memory"), 0x02, 0x00),
		append(name("alloc"), 0x00, 0x00),
		append(name("dealloc"), 0x00, 0x01),
		append(name("apply"), 0x00, 0x02),
	))...)

	var alloc []byte
	alloc = append(alloc, opGlobalGet, 0x00, opGlobalGet, 0x00, opLocalGet, 0x00, opI32Add)
	alloc = append(alloc, i32Const(7)...)
	alloc = append(alloc, opI32Add)
	alloc = append(alloc, i32Const(-8)...)
	alloc = append(alloc, opI32And, opGlobalSet, 0x00)

	mod = append(mod, section(10, vec(
		body(alloc),
		body(),
		body(apply),
	))...)

	segment := append([]byte{0x00}, append(i32Const(dataOffset), opEnd)...)
	segment = append(segment, uleb(uint32(len(response)))...)
	segment = append(segment, response...)
	mod = append(mod, section(11, vec(segment))...)
	return mod
}

// cannedModule answers every request with response.
func cannedModule(response string) []byte {
	apply := storeWord(2, i32Const(dataOffset))
	apply = append(apply, storeWord(3, i32Const(int32(len(response))))...)
	return buildModule([]byte(response), apply)
}

// trappingModule traps inside apply.
func trappingModule() []byte {
	return buildModule(nil, []byte{opUnreachable})
}

// strayModule reports an output pointer outside its memory.
func strayModule() []byte {
	apply := storeWord(2, i32Const(0x7fff0000))
	apply = append(apply, storeWord(3, i32Const(16))...)
	return buildModule(nil, apply)
}
