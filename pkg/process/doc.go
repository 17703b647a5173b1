/*
Package process orchestrates concurrent access to stored process state.

The host core never locks: each request works on its own sandbox instance
and a serialized state string. Manager provides the at-most-one-writer
discipline per process on top of a ports.ProcessStore, locally with
reference-counted mutexes and, when configured, across replicas with a
ports.DistributedLocker.
*/
package process
