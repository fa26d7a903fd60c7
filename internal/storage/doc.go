// Package storage persists user subscriptions across restarts.
//
// The only backend is SQLite (modernc.org/sqlite, no cgo). With the
// driver set to "none" the process runs memory-only.
package storage
