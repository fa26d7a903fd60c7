package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and subscriptions
// live only in memory for the lifetime of the process.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Record is one user's persisted subscription state.
type Record struct {
	UserID int64
	Queue  int // 0 when the user has not picked a queue yet
	Sub    int
	Notify bool
}
