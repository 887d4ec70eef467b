// Package transfer moves files onto the brick and lists its directories as
// chunked system commands.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/packet"
	"brickctl/internal/protocol/syscmd"
	logx "brickctl/pkg/logx"
)

// DefaultChunkSize is the data carried per ContinueDownload frame.
const DefaultChunkSize = 1000

// maxChunk keeps opcode and handle inside one frame.
const maxChunk = packet.MaxPayload - 2

var ErrRejected = errors.New("brick rejected transfer")

// StatusError carries the brick's status for a rejected step.
type StatusError struct {
	Step   string
	Status syscmd.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrRejected, e.Step, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

type Options struct {
	Lane      scheduler.Lane
	ChunkSize int
	// Timeout bounds each frame; 0 uses the scheduler default.
	Timeout time.Duration
	Log     logx.Logger
}

// Upload writes data to path on the brick. Emergency commands may run between
// chunks.
func Upload(ctx context.Context, c *client.Client, path string, data []byte, opt Options) (*client.Result, error) {
	if path == "" {
		return nil, errors.New("upload: empty path")
	}
	if uint64(len(data)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("upload: %d bytes exceeds 32-bit size", len(data))
	}
	chunk := opt.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if chunk > maxChunk {
		chunk = maxChunk
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		handle byte
		sent   int
	)
	next := func(n int, prev *packet.Frame) (client.Step, error) {
		if n == 0 {
			return client.Step{
				Type:    packet.SystemCommandReply,
				Payload: syscmd.EncodeBeginDownload(path, uint32(len(data))),
				Last:    len(data) == 0,
			}, nil
		}
		r, err := syscmd.ParseReply(prev.Payload)
		if err != nil {
			return client.Step{}, err
		}
		if !r.Status.OK() {
			return client.Step{}, &StatusError{Step: "download", Status: r.Status}
		}
		if n == 1 {
			handle = r.Handle
		}
		end := min(sent+chunk, len(data))
		step := client.Step{
			Type:    packet.SystemCommandReply,
			Payload: syscmd.EncodeContinueDownload(handle, data[sent:end]),
			Last:    end == len(data),
		}
		sent = end
		return step, nil
	}

	start := time.Now()
	res, err := c.SendChunked(ctx, client.ChunkedRequest{
		Name:    "upload " + path,
		Lane:    opt.Lane,
		Timeout: opt.Timeout,
		Next:    next,
	})
	if err != nil {
		return nil, err
	}
	if res.Reply.IsError() {
		r, perr := syscmd.ParseReply(res.Reply.Payload)
		if perr != nil {
			return res, fmt.Errorf("%w: %v", ErrRejected, perr)
		}
		return res, &StatusError{Step: stepName(r.Command), Status: r.Status}
	}
	log.Info("upload complete", logx.String("path", path), logx.Int("bytes", len(data)), logx.Duration("took", time.Since(start)))
	return res, nil
}

// Delete removes path on the brick.
func Delete(ctx context.Context, c *client.Client, path string, lane scheduler.Lane) error {
	res, err := c.Send(ctx, client.Request{
		Name:       "delete " + path,
		Lane:       lane,
		Type:       packet.SystemCommandReply,
		Payload:    syscmd.EncodeDeleteFile(path),
		Idempotent: true,
	})
	if err != nil {
		return err
	}
	r, err := syscmd.ParseReply(res.Reply.Payload)
	if err != nil {
		return err
	}
	if res.Reply.IsError() || !r.Status.OK() {
		return &StatusError{Step: "delete", Status: r.Status}
	}
	return nil
}

func stepName(cmd byte) string {
	switch cmd {
	case syscmd.BeginDownload:
		return "begin"
	case syscmd.ContinueDownload:
		return "continue"
	case syscmd.DeleteFile:
		return "delete"
	case syscmd.ListFiles:
		return "list"
	case syscmd.ContinueListFiles:
		return "continue_list"
	}
	return fmt.Sprintf("cmd(0x%02x)", cmd)
}
