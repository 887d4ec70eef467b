// Package stream implements transport.Transport over a byte stream such as
// the brick's TCP port.
package stream

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"brickctl/internal/protocol/packet"
	"brickctl/internal/transport"
	logx "brickctl/pkg/logx"
)

// DialFunc opens the underlying connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

type Config struct {
	// Network defaults to "tcp".
	Network     string
	Addr        string
	DialTimeout time.Duration
}

type Transport struct {
	dial DialFunc
	log  logx.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	staleWarn rate.Sometimes
	stale     atomic.Uint64
}

var _ transport.Transport = (*Transport)(nil)

// New dials cfg.Addr on Open.
func New(cfg Config, log logx.Logger) *Transport {
	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = "tcp"
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	t := NewWithDialer(func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, network, cfg.Addr)
	}, log)
	t.log = t.log.With(logx.String("addr", cfg.Addr))
	return t
}

func NewWithDialer(dial DialFunc, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		dial:      dial,
		log:       log.With(logx.String("comp", "transport.stream")),
		staleWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Open connects. Opening an open transport is a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	t.conn = conn
	t.r = bufio.NewReader(conn)
	t.log.Info("transport connected")
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.r = nil
	t.log.Info("transport closed")
	return err
}

// StaleFrames counts replies discarded because nobody was waiting for them.
func (t *Transport) StaleFrames() uint64 { return t.stale.Load() }

// Send writes frame and reads until a reply with opt.ExpectedCorrelationID
// arrives. On any I/O failure the connection is dropped: a partly read frame
// leaves the stream out of sync, and recovery reopens it.
func (t *Transport) Send(ctx context.Context, frame []byte, opt transport.SendOptions) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, transport.ErrClosed
	}
	conn := t.conn

	deadline, hasDeadline := ctx.Deadline()
	if opt.Timeout > 0 {
		if d := time.Now().Add(opt.Timeout); !hasDeadline || d.Before(deadline) {
			deadline, hasDeadline = d, true
		}
	}
	if hasDeadline {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// Unblock pending I/O when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		_ = t.closeLocked()
		return nil, t.ioError(ctx, "write", err)
	}
	if opt.NoReply {
		return nil, nil
	}

	for {
		reply, err := packet.ReadFrame(t.r)
		if err != nil {
			_ = t.closeLocked()
			return nil, t.ioError(ctx, "read", err)
		}
		id := binary.LittleEndian.Uint16(reply[2:])
		if id == opt.ExpectedCorrelationID {
			return reply, nil
		}
		n := t.stale.Add(1)
		t.staleWarn.Do(func() {
			t.log.Warn("discarding stale reply", logx.Int("corr", int(id)), logx.Int("expected", int(opt.ExpectedCorrelationID)), logx.Uint64("stale_total", n))
		})
	}
}

func (t *Transport) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, transport.ErrNoReply, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w: %w", op, transport.ErrNoReply, err)
}
