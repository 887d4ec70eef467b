// Package transport defines the byte-level channel to the brick.
//
// A Transport moves whole frames. It does not queue, retry or interpret
// them; the command scheduler in front of it guarantees at most one Send is
// in flight.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by Send on a transport that is not open.
	ErrClosed = errors.New("transport closed")
	// ErrNoReply wraps failures where the request went out but nothing usable
	// came back.
	ErrNoReply = errors.New("no reply")
)

type SendOptions struct {
	// Timeout bounds the round trip in addition to ctx; 0 means ctx only.
	Timeout time.Duration

	// ExpectedCorrelationID is the id the reply must carry. Frames with other
	// ids are late answers to abandoned requests and are discarded.
	ExpectedCorrelationID uint16

	// NoReply sends the frame and returns without reading.
	NoReply bool
}

type Transport interface {
	Open(ctx context.Context) error
	Close() error

	// Send writes one encoded frame and returns the encoded reply frame, or
	// nil when opt.NoReply is set.
	Send(ctx context.Context, frame []byte, opt SendOptions) ([]byte, error)
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindSim Kind = "sim"
)
