/*
Package espalier runs hierarchical state machines inside a WebAssembly
sandbox and drives them from a host process.

A guest module holds a tree of state units. Each unit routes external events
to its children first, settles through self-transitions until nothing
changes, and records an ordered log of actions (Info, Event and Error
operations). The guest keeps no memory between requests: the host hands it
the serialized state on every call and stores whatever comes back.

# Architecture

  - pkg/machine: the State capability, Store and Actions.
  - pkg/executor: turns Initialization and Event requests into snapshots.
  - pkg/guest: the sandbox side of the ABI (alloc, dealloc, apply).
  - pkg/host: the Driver running a request through an Instance.
  - pkg/adapters: wazero modules, in-process modules, and process stores
    (memory, file, redis, sqlite).

# Usage

	cache, err := wasm.NewModuleCache(ctx)
	if err != nil {
		log.Fatal(err)
	}
	if err := cache.LoadDirectory(ctx, "./modules"); err != nil {
		log.Fatal(err)
	}

	h, err := espalier.New(cache, espalier.WithStore(file.New("./data")))
	if err != nil {
		log.Fatal(err)
	}

	created, err := h.Create(ctx, "accumulator.wasm", `{"initial":0}`)
	if err != nil {
		log.Fatal(err)
	}
	updated, err := h.Update(ctx, "accumulator.wasm", created.ProcessID, `{"Add":5}`)

Every request instantiates a fresh sandbox, so a faulty module cannot leak
state between processes. Updates to one process are serialized by
process.Manager.
*/
package espalier
