// Package packet frames requests and replies exchanged with the brick.
//
// Wire layout, all integers little-endian:
//
//	[u16 body length][u16 correlation id][u8 type][payload ...]
//
// The body length counts everything after itself, so it is 3 + len(payload).
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidFrame   = errors.New("invalid frame")
	ErrShortFrame     = fmt.Errorf("%w: shorter than header", ErrInvalidFrame)
	ErrLengthMismatch = fmt.Errorf("%w: body length mismatch", ErrInvalidFrame)
	ErrFrameTooLarge  = fmt.Errorf("%w: payload exceeds 16-bit body length", ErrInvalidFrame)
)

const (
	// HeaderSize is the length prefix plus correlation id plus type byte.
	HeaderSize = 2 + 2 + 1

	// MaxPayload is the largest payload whose body length still fits the prefix.
	MaxPayload = 0xFFFF - 3
)

// Request types.
const (
	DirectCommandReply   = byte(0x00)
	SystemCommandReply   = byte(0x01)
	DirectCommandNoReply = byte(0x80)
	SystemCommandNoReply = byte(0x81)
)

// Reply types.
const (
	DirectReply      = byte(0x02)
	SystemReply      = byte(0x03)
	DirectReplyError = byte(0x04)
	SystemReplyError = byte(0x05)
)

// Frame is one decoded request or reply.
type Frame struct {
	CorrelationID uint16
	Type          byte
	Payload       []byte
}

// IsError reports whether the frame is an error reply from the brick.
func (f Frame) IsError() bool {
	return f.Type == DirectReplyError || f.Type == SystemReplyError
}

// ExpectsReply reports whether a request of type t is answered by the brick.
func ExpectsReply(t byte) bool {
	return t&0x80 == 0
}

// Encode builds a frame. The correlation id is masked to 16 bits and the type
// to 8 bits; neither is rejected.
func Encode(correlationID int, typ int, payload []byte) []byte {
	buff := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buff, uint16(3+len(payload)))
	binary.LittleEndian.PutUint16(buff[2:], uint16(correlationID))
	buff[4] = byte(typ)
	copy(buff[HeaderSize:], payload)
	return buff
}

// EncodeFrame is Encode for an already assembled Frame. Payloads that do not
// fit the 16-bit body length are rejected here since callers build them.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	return Encode(int(f.CorrelationID), int(f.Type), f.Payload), nil
}

// Decode parses a complete frame. The returned payload aliases buff.
func Decode(buff []byte) (Frame, error) {
	if len(buff) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	length := int(binary.LittleEndian.Uint16(buff))
	if length != len(buff)-2 {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, length, len(buff)-2)
	}
	return Frame{
		CorrelationID: binary.LittleEndian.Uint16(buff[2:]),
		Type:          buff[4],
		Payload:       buff[HeaderSize:],
	}, nil
}

// ReadFrame reads exactly one length-prefixed frame from r and returns its raw
// bytes (prefix included), ready for Decode.
func ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(prefix))
	if length < 3 {
		return nil, fmt.Errorf("%w: declared body length %d", ErrShortFrame, length)
	}
	buff := make([]byte, 2+length)
	copy(buff, prefix)
	if _, err := io.ReadFull(r, buff[2:]); err != nil {
		return nil, err
	}
	return buff, nil
}

// TypeString names a request or reply type for logs.
func TypeString(t byte) string {
	switch t {
	case DirectCommandReply:
		return "DirectCommandReply"
	case SystemCommandReply:
		return "SystemCommandReply"
	case DirectCommandNoReply:
		return "DirectCommandNoReply"
	case SystemCommandNoReply:
		return "SystemCommandNoReply"
	case DirectReply:
		return "DirectReply"
	case SystemReply:
		return "SystemReply"
	case DirectReplyError:
		return "DirectReplyError"
	case SystemReplyError:
		return "SystemReplyError"
	}
	return "unknown"
}
