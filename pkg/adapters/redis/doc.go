// Package redis provides a Redis-backed process store and distributed locker.
package redis
