// Package scheduler serialises commands onto the brick's single-request
// channel.
//
// Callers enqueue requests into one of four priority lanes (emergency, high,
// normal, low). One dispatch goroutine runs at most one request at a time,
// always picking the front of the highest non-empty lane. Every attempt gets
// its own correlation id, a timeout, and a cancellation signal that records
// why it fired (caller, timeout, disposal).
//
// A request that times out or is cancelled after it may have reached the
// brick leaves the device in an unknown state ("orphan risk"). The scheduler
// then drops queued work in lower lanes, pauses dispatch and runs the
// configured Recovery before continuing.
//
// Chunked requests run as a sequence of rounds and yield to the emergency
// lane between rounds without losing progress.
package scheduler
