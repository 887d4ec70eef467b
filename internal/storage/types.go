package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, compacted in place
//   - "sqlite": SQLite database file
//   - "badger": badger key-value directory
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Keep bounds the number of retained entries; 0 means DefaultKeep.
	Keep int
}

const DefaultKeep = 10_000

func (c Config) keep() int {
	if c.Keep <= 0 {
		return DefaultKeep
	}
	return c.Keep
}

// Entry records one settled command.
// Keep it compact and schema-stable.
type Entry struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id"`
	Name          string    `json:"name,omitempty"`
	Lane          string    `json:"lane"`
	CorrelationID int       `json:"corr"`
	Attempts      int       `json:"attempts"`
	// Outcome is "ok" or the scheduler error code.
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	QueueMS int64  `json:"queue_ms"`
	TookMS  int64  `json:"took_ms"`
}
