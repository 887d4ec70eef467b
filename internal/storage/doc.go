// Package storage keeps the command journal: an append-only record of every
// command the scheduler finished or rejected, for post-mortems after a
// session with the brick.
//
// Drivers:
//   - file: JSON Lines, compacted to the newest Keep entries
//   - sqlite: SQLite database file, pruned periodically
//   - badger: badger directory keyed by append sequence
package storage
