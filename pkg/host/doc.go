/*
Package host drives a sandboxed state machine through the pointer/length
ABI.

For every request the Driver:

 1. encodes the request envelope
 2. allocates an input buffer in the sandbox and writes the bytes
 3. allocates an 8-byte scratch buffer for the two result words
 4. calls apply(in_ptr, in_size, scratch, scratch+4)
 5. reads the output pointer and length (little-endian u32)
 6. frees the scratch buffer
 7. reads and decodes the output
 8. frees the output with exactly the reported length
 9. frees the input buffer

Sandbox traps surface as ErrSandboxFault and bad pointers as
ErrOutOfBounds. Neither aborts the host.
*/
package host
