package sim

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"brickctl/internal/protocol/packet"
	"brickctl/internal/transport"
	logx "brickctl/pkg/logx"
)

// Transport talks to a Brick in process. Latency and dropped replies can be
// injected to exercise timeouts and recovery.
type Transport struct {
	brick *Brick

	mu      sync.Mutex
	open    bool
	opens   int
	latency time.Duration
	drop    int
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(b *Brick) *Transport {
	if b == nil {
		b = NewBrick()
	}
	return &Transport{brick: b}
}

func (t *Transport) Brick() *Brick { return t.brick }

// SetLatency delays every reply by d.
func (t *Transport) SetLatency(d time.Duration) {
	t.mu.Lock()
	t.latency = d
	t.mu.Unlock()
}

// DropReplies makes the next n requests execute without answering.
func (t *Transport) DropReplies(n int) {
	t.mu.Lock()
	t.drop = n
	t.mu.Unlock()
}

// Opens counts successful Open calls.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *Transport) Open(context.Context) error {
	t.mu.Lock()
	if !t.open {
		t.open = true
		t.opens++
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, frame []byte, opt transport.SendOptions) ([]byte, error) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	latency := t.latency
	dropped := t.drop > 0
	if dropped {
		t.drop--
	}
	t.mu.Unlock()

	reply := t.brick.Handle(frame)
	if opt.NoReply {
		return nil, nil
	}
	if opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.Timeout)
		defer cancel()
	}
	if dropped || reply == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if latency > 0 {
		tmr := time.NewTimer(latency)
		defer tmr.Stop()
		select {
		case <-tmr.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reply, nil
}

// Serve answers frames on conns accepted from l until ctx is done or l
// fails. It is what `brickctl sim` listens with.
func (b *Brick) Serve(ctx context.Context, l net.Listener, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("sim client connected", logx.String("remote", conn.RemoteAddr().String()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.ServeConn(ctx, conn); err != nil {
				log.Warn("sim connection ended", logx.Err(err))
			}
		}()
	}
}

// ServeConn answers frames on one connection and closes it when done.
func (b *Brick) ServeConn(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		frame, err := packet.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if reply := b.Handle(frame); reply != nil {
			if _, err := conn.Write(reply); err != nil {
				return err
			}
		}
	}
}
