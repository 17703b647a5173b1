// Package sqlite provides a process store on an embedded SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite
