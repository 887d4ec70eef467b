// Package client binds one command scheduler to one transport.
//
// Every request goes through the scheduler, so callers on any goroutine may
// Send concurrently while the brick only ever sees one frame at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/eventbus"
	"brickctl/internal/protocol/packet"
	"brickctl/internal/transport"
	logx "brickctl/pkg/logx"
)

var (
	ErrCorrelationMismatch = errors.New("reply correlation id mismatch")
	ErrRequestType         = errors.New("not a request type")
)

// Request is one frame to send.
type Request struct {
	ID   string
	Name string
	Lane scheduler.Lane

	// Type is one of the packet request types. No-reply types complete as
	// soon as the frame is written.
	Type    byte
	Payload []byte

	Timeout    time.Duration
	Idempotent bool
	Retry      *scheduler.RetryPolicy
}

// Result is the answer to a request. Reply may be an error-type frame; that
// is still a valid answer from the brick (see packet.Frame.IsError).
type Result struct {
	RequestID     string
	CorrelationID uint16
	Reply         packet.Frame
	Attempts      int
	EnqueuedAt    time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	Duration      time.Duration
}

// Options configure a Client. Zero values are usable.
type Options struct {
	Scheduler scheduler.Config
	Recovery  scheduler.Recovery
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Client struct {
	tr    transport.Transport
	sched *scheduler.Scheduler
	log   logx.Logger
}

// New creates a client with its own scheduler. Close disposes both.
func New(tr transport.Transport, opt Options) *Client {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	var sopts []scheduler.Option
	if opt.Recovery != nil {
		sopts = append(sopts, scheduler.WithRecovery(opt.Recovery))
	}
	return &Client{
		tr:    tr,
		sched: scheduler.New(opt.Scheduler, log, opt.Bus, sopts...),
		log:   log.With(logx.String("comp", "client")),
	}
}

// Scheduler exposes the underlying scheduler for diagnostics and config
// reloads.
func (c *Client) Scheduler() *scheduler.Scheduler { return c.sched }

func (c *Client) Open(ctx context.Context) error {
	if err := c.tr.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	c.log.Info("client opened")
	return nil
}

// Close disposes the scheduler, rejecting queued requests, then closes the
// transport. It is safe to call more than once.
func (c *Client) Close() error {
	c.sched.Dispose()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.sched.Wait(ctx); err != nil {
		c.log.Warn("scheduler did not stop in time", logx.Err(err))
	}
	return c.tr.Close()
}

// Send queues req and waits for it to settle. Cancelling ctx cancels the
// request; the error is then the scheduler's classification of it, which for
// a running attempt waits until orphan recovery is done.
func (c *Client) Send(ctx context.Context, req Request) (*Result, error) {
	return c.SendAsync(ctx, req).Result()
}

// SendAsync queues req and returns immediately. ctx cancels the request.
func (c *Client) SendAsync(ctx context.Context, req Request) *Pending {
	if !isRequestType(req.Type) {
		return &Pending{err: fmt.Errorf("%w: 0x%02x", ErrRequestType, req.Type)}
	}
	if len(req.Payload) > packet.MaxPayload {
		return &Pending{err: fmt.Errorf("%w: %d bytes", packet.ErrFrameTooLarge, len(req.Payload))}
	}
	h := c.sched.Enqueue(ctx, scheduler.Request{
		ID:         req.ID,
		Name:       nameOr(req.Name, req.Type),
		Lane:       req.Lane,
		Timeout:    req.Timeout,
		Idempotent: req.Idempotent,
		Retry:      req.Retry,
		Run: func(ctx context.Context, id uint16) ([]byte, error) {
			return c.roundTrip(ctx, id, req.Type, req.Payload, req.Timeout)
		},
	})
	return &Pending{h: h}
}

// roundTrip encodes one frame with the attempt's correlation id, sends it
// and checks the reply belongs to it.
func (c *Client) roundTrip(ctx context.Context, id uint16, typ byte, payload []byte, timeout time.Duration) ([]byte, error) {
	frame, err := packet.EncodeFrame(packet.Frame{CorrelationID: id, Type: typ, Payload: payload})
	if err != nil {
		return nil, scheduler.NoRetry(fmt.Errorf("%w: %d bytes", err, len(payload)))
	}
	noReply := !packet.ExpectsReply(typ)

	reply, err := c.tr.Send(ctx, frame, transport.SendOptions{
		Timeout:               timeout,
		ExpectedCorrelationID: id,
		NoReply:               noReply,
	})
	if err != nil {
		return nil, err
	}
	if noReply {
		return nil, nil
	}
	f, err := packet.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if f.CorrelationID != id {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCorrelationMismatch, f.CorrelationID, id)
	}
	if f.IsError() {
		c.log.Debug("brick answered with error reply", logx.Int("corr", int(id)), logx.String("type", packet.TypeString(f.Type)), logx.Hex("payload", f.Payload))
	}
	return reply, nil
}

func toResult(res scheduler.Result) (*Result, error) {
	out := &Result{
		RequestID:     res.RequestID,
		CorrelationID: res.CorrelationID,
		Attempts:      res.Attempts,
		EnqueuedAt:    res.EnqueuedAt,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
		Duration:      res.Duration(),
	}
	if len(res.Reply) > 0 {
		f, err := packet.Decode(res.Reply)
		if err != nil {
			return nil, err
		}
		out.Reply = f
	}
	return out, nil
}

func isRequestType(t byte) bool {
	switch t {
	case packet.DirectCommandReply, packet.DirectCommandNoReply, packet.SystemCommandReply, packet.SystemCommandNoReply:
		return true
	}
	return false
}

func nameOr(name string, typ byte) string {
	if name != "" {
		return name
	}
	return packet.TypeString(typ)
}

// Pending is the deferred result of SendAsync.
type Pending struct {
	h   *scheduler.Handle
	err error
}

// ID is the request id, empty when the request was rejected up front.
func (p *Pending) ID() string {
	if p.h == nil {
		return ""
	}
	return p.h.ID()
}

// Done is closed once the request settled.
func (p *Pending) Done() <-chan struct{} {
	if p.h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.h.Done()
}

// Result blocks until the request settles.
func (p *Pending) Result() (*Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	res, err := p.h.Result()
	if err != nil {
		return nil, err
	}
	return toResult(res)
}

// Wait blocks until the request settles or ctx is done. Giving up waiting
// does not cancel the request.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	res, err := p.h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return toResult(res)
}
