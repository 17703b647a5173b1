/*
Package ports defines the driven ports (interfaces) of the espalier host.

These interfaces decouple request handling from external implementations, allowing
the host to work with various storage backends and module sources.

# Key Interfaces

  - ProcessStore: persists serialized process state keyed by module and process id.
  - ModuleSource: creates sandbox instances by module name (wazero or in-process).
  - DistributedLocker: provides distributed locking for concurrent process updates.
*/
package ports
