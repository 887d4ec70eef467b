package transfer

import (
	"context"
	"errors"
	"fmt"

	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/packet"
	"brickctl/internal/protocol/syscmd"
)

// listPage is the listing bytes requested per reply.
const listPage = uint16(maxChunk - 5)

// List returns the entries directly under dir. Long listings are paged with
// ContinueListFiles inside one scheduler request.
func List(ctx context.Context, c *client.Client, dir string, lane scheduler.Lane) ([]syscmd.ListEntry, error) {
	if dir == "" {
		return nil, errors.New("list: empty dir")
	}
	var (
		buf    []byte
		size   uint32
		handle byte
	)
	eof := func(f packet.Frame) bool {
		if f.IsError() || len(f.Payload) < 2 {
			return true
		}
		return syscmd.Status(f.Payload[1]) == syscmd.StatusEndOfFile
	}
	next := func(n int, prev *packet.Frame) (client.Step, error) {
		if n == 0 {
			return client.Step{
				Type:    packet.SystemCommandReply,
				Payload: syscmd.EncodeListFiles(dir, listPage),
				Done:    eof,
			}, nil
		}
		if n == 1 {
			r, err := syscmd.ParseListReply(prev.Payload)
			if err != nil {
				return client.Step{}, err
			}
			size, handle = r.Size, r.Handle
			buf = append(buf, r.Data...)
		} else {
			r, err := syscmd.ParseReply(prev.Payload)
			if err != nil {
				return client.Step{}, err
			}
			buf = append(buf, r.Data...)
		}
		return client.Step{
			Type:    packet.SystemCommandReply,
			Payload: syscmd.EncodeContinueListFiles(handle, listPage),
			Done:    eof,
		}, nil
	}

	// Continuation pages are consumed on the brick, so a resend is not safe.
	res, err := c.SendChunked(ctx, client.ChunkedRequest{
		Name: "list " + dir,
		Lane: lane,
		Next: next,
	})
	if err != nil {
		return nil, err
	}

	f := res.Reply
	if f.Type == packet.SystemReplyError {
		r, err := syscmd.ParseReply(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, &StatusError{Step: stepName(r.Command), Status: r.Status}
	}
	// The final reply has not been seen by next.
	if len(f.Payload) > 0 && f.Payload[0] == syscmd.ListFiles {
		r, err := syscmd.ParseListReply(f.Payload)
		if err != nil {
			return nil, err
		}
		size = r.Size
		buf = append(buf, r.Data...)
	} else {
		r, err := syscmd.ParseReply(f.Payload)
		if err != nil {
			return nil, err
		}
		buf = append(buf, r.Data...)
	}
	if uint32(len(buf)) != size {
		return nil, fmt.Errorf("%w: listing has %d of %d bytes", syscmd.ErrInvalidReply, len(buf), size)
	}
	return syscmd.ParseListing(buf)
}
