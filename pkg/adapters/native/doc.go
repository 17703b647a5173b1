// Package native provides a module source of state machines linked into the
// host binary, for development and tests without a wasm toolchain.
package native
