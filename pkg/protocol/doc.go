/*
Package protocol defines the envelope exchanged between an Espalier host and
a guest module across the sandbox boundary.

Every payload inside the envelope (initialization parameter, serialized
state, event, outgoing event) is an opaque string: the envelope never looks
inside it. The reference encoding of the envelope itself is JSON with
externally tagged variants:

	Request:   {"Initialization":{"parameter":"..."}}
	           {"Event":{"state":"...","event":"..."}}
	Response:  {"Snapshot":{"operations":[...],"state":"..."}}
	           {"Error":"..."}
	Operation: {"Event":"..."} | {"Info":"..."} | {"Error":"..."}
*/
package protocol
