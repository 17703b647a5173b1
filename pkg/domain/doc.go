/*
Package domain holds the types shared between the espalier host and its
adapters: the error taxonomy for lookups and the lifecycle hooks fired
around every request.
*/
package domain
