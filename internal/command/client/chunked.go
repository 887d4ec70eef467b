package client

import (
	"context"
	"fmt"
	"time"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/packet"
)

// Step is one frame of a chunked exchange.
type Step struct {
	Type    byte
	Payload []byte
	// Last marks the final step; its reply becomes the request's result.
	Last bool
	// Done, when set, ends the exchange after this step if it reports true
	// for the step's reply. Used when only the brick knows the length.
	Done func(reply packet.Frame) bool
}

// NextFunc produces the step for round n (0-based). prev is the reply to the
// previous round, nil on the first.
type NextFunc func(n int, prev *packet.Frame) (Step, error)

// ChunkedRequest is a multi-frame exchange, such as a file download, that
// runs as one scheduler request. Emergency requests may run between rounds.
type ChunkedRequest struct {
	ID   string
	Name string
	Lane scheduler.Lane

	// Timeout bounds each round.
	Timeout    time.Duration
	Idempotent bool
	Retry      *scheduler.RetryPolicy

	Next NextFunc
}

// SendChunked runs req round by round and returns the reply to the last
// step. An error-type reply ends the exchange early and is returned as the
// result.
func (c *Client) SendChunked(ctx context.Context, req ChunkedRequest) (*Result, error) {
	return c.SendChunkedAsync(ctx, req).Result()
}

func (c *Client) SendChunkedAsync(ctx context.Context, req ChunkedRequest) *Pending {
	if req.Next == nil {
		return &Pending{err: fmt.Errorf("chunked request %q has no Next", req.Name)}
	}
	name := req.Name
	if name == "" {
		name = "chunked"
	}
	st := &chunkState{next: req.Next}
	h := c.sched.Enqueue(ctx, scheduler.Request{
		ID:         req.ID,
		Name:       name,
		Lane:       req.Lane,
		Timeout:    req.Timeout,
		Idempotent: req.Idempotent,
		Retry:      req.Retry,
		Chunk: func(ctx context.Context, id uint16) (bool, []byte, error) {
			return st.round(ctx, c, id, req.Timeout)
		},
	})
	return &Pending{h: h}
}

// chunkState carries progress across rounds. A step is kept until its round
// succeeds so retries resend the same frame.
type chunkState struct {
	next NextFunc
	n    int
	prev *packet.Frame
	step *Step
}

func (s *chunkState) round(ctx context.Context, c *Client, id uint16, timeout time.Duration) (bool, []byte, error) {
	if s.step == nil {
		step, err := s.next(s.n, s.prev)
		if err != nil {
			return false, nil, scheduler.NoRetry(fmt.Errorf("chunk %d: %w", s.n, err))
		}
		if !isRequestType(step.Type) {
			return false, nil, scheduler.NoRetry(fmt.Errorf("chunk %d: %w: 0x%02x", s.n, ErrRequestType, step.Type))
		}
		s.step = &step
	}

	reply, err := c.roundTrip(ctx, id, s.step.Type, s.step.Payload, timeout)
	if err != nil {
		return false, nil, err
	}

	step := s.step
	if reply == nil {
		s.step, s.prev = nil, nil
		s.n++
		return step.Last, nil, nil
	}
	// A garbled reply keeps the step so a retry resends it.
	f, err := packet.Decode(reply)
	if err != nil {
		return false, nil, err
	}
	s.step, s.prev = nil, &f
	s.n++
	done := step.Last || f.IsError() || (step.Done != nil && step.Done(f))
	return done, reply, nil
}
