/*
Package executor turns protocol requests into snapshots for one root state
unit.

An Initialization request decodes the parameter and calls the unit's entry
function. An Event request decodes the root store from the supplied state,
routes the event through it and, if anything consumed it, calls Update until
the tree settles or the update limit is reached:

	exec := executor.New[Counter, CounterEvent, CounterParameter](NewCounter)
	output := exec.Execute(input) // input and output are protocol envelopes

Executor.Execute is the entry point used by the guest transport adapter.
*/
package executor
