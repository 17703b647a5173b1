/*
Package machine implements the hierarchical state-machine model executed
inside an Espalier guest.

Application code supplies state units: plain Go values implementing State.
A Store wraps exactly one unit and exposes the two non-generic operations of
Node, so a parent unit can own an ordered list of heterogeneous children.

# Routing

Store.Process offers the raw event text to every child, in declared order,
before trying to decode it as the unit's own event type. The first child
reporting Consumed wins and nothing else sees the event. An event nobody can
decode is Dropped; that is not an error.

# Settling

Store.Update updates children depth-first, then the unit itself, and reports
Changed when any value in the subtree differs from the previous one. The
executor calls it repeatedly until the whole tree reports Same.

# Serialization

A Store serializes as exactly the wrapped value. Children are *Store fields
of the parent value, so decoding the parent rebuilds the whole tree.
*/
package machine
