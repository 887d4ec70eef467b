// Package syscmd builds and parses system-command payloads (file transfer and
// file management). Framing is left to package packet.
package syscmd

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// System command opcodes.
const (
	BeginDownload     = byte(0x92)
	ContinueDownload  = byte(0x93)
	CloseFileHandle   = byte(0x98)
	ListFiles         = byte(0x99)
	ContinueListFiles = byte(0x9A)
	DeleteFile        = byte(0x9C)
)

// Status is the second byte of every system reply payload.
type Status byte

const (
	StatusSuccess           Status = 0x00
	StatusUnknownHandle     Status = 0x01
	StatusHandleNotReady    Status = 0x02
	StatusCorruptFile       Status = 0x03
	StatusNoHandles         Status = 0x04
	StatusNoPermission      Status = 0x05
	StatusIllegalPath       Status = 0x06
	StatusFileExists        Status = 0x07
	StatusEndOfFile         Status = 0x08
	StatusSizeError         Status = 0x09
	StatusUnknownError      Status = 0x0A
	StatusIllegalFilename   Status = 0x0B
	StatusIllegalConnection Status = 0x0C
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnknownHandle:
		return "unknown_handle"
	case StatusHandleNotReady:
		return "handle_not_ready"
	case StatusCorruptFile:
		return "corrupt_file"
	case StatusNoHandles:
		return "no_handles_available"
	case StatusNoPermission:
		return "no_permission"
	case StatusIllegalPath:
		return "illegal_path"
	case StatusFileExists:
		return "file_exists"
	case StatusEndOfFile:
		return "end_of_file"
	case StatusSizeError:
		return "size_error"
	case StatusUnknownError:
		return "unknown_error"
	case StatusIllegalFilename:
		return "illegal_filename"
	case StatusIllegalConnection:
		return "illegal_connection"
	}
	return fmt.Sprintf("status(0x%02x)", byte(s))
}

// OK reports whether the status means the command was accepted.
// End-of-file is the normal answer to the last download chunk.
func (s Status) OK() bool {
	return s == StatusSuccess || s == StatusEndOfFile
}

var ErrInvalidReply = errors.New("invalid system reply")

// Reply is a parsed system reply payload.
type Reply struct {
	Command byte
	Status  Status
	Handle  byte
	Data    []byte
}

// ParseReply parses [command][status][handle?][data...].
func ParseReply(payload []byte) (Reply, error) {
	if len(payload) < 2 {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrInvalidReply, len(payload))
	}
	r := Reply{Command: payload[0], Status: Status(payload[1])}
	if len(payload) > 2 {
		r.Handle = payload[2]
		r.Data = payload[3:]
	}
	return r, nil
}

// EncodeBeginDownload announces a file of size bytes at path on the brick.
func EncodeBeginDownload(path string, size uint32) []byte {
	b := make([]byte, 1+4, 1+4+len(path)+1)
	b[0] = BeginDownload
	binary.LittleEndian.PutUint32(b[1:], size)
	b = append(b, path...)
	return append(b, 0)
}

// EncodeContinueDownload carries one chunk of file data for handle.
func EncodeContinueDownload(handle byte, data []byte) []byte {
	b := make([]byte, 2, 2+len(data))
	b[0] = ContinueDownload
	b[1] = handle
	return append(b, data...)
}

func EncodeCloseFileHandle(handle byte) []byte {
	return []byte{CloseFileHandle, handle}
}

func EncodeDeleteFile(path string) []byte {
	b := make([]byte, 1, 1+len(path)+1)
	b[0] = DeleteFile
	b = append(b, path...)
	return append(b, 0)
}

// DecodeBeginDownload is the brick-side view of EncodeBeginDownload.
func DecodeBeginDownload(payload []byte) (string, uint32, error) {
	if len(payload) < 6 || payload[0] != BeginDownload || payload[len(payload)-1] != 0 {
		return "", 0, fmt.Errorf("%w: begin download", ErrInvalidReply)
	}
	size := binary.LittleEndian.Uint32(payload[1:])
	return string(payload[5 : len(payload)-1]), size, nil
}

// EncodeListFiles asks for the listing of dir, at most limit bytes per reply.
func EncodeListFiles(dir string, limit uint16) []byte {
	b := make([]byte, 3, 3+len(dir)+1)
	b[0] = ListFiles
	binary.LittleEndian.PutUint16(b[1:], limit)
	b = append(b, dir...)
	return append(b, 0)
}

// DecodeListFiles is the brick-side view of EncodeListFiles.
func DecodeListFiles(payload []byte) (string, uint16, error) {
	if len(payload) < 4 || payload[0] != ListFiles || payload[len(payload)-1] != 0 {
		return "", 0, fmt.Errorf("%w: list files", ErrInvalidReply)
	}
	return string(payload[3 : len(payload)-1]), binary.LittleEndian.Uint16(payload[1:]), nil
}

func EncodeContinueListFiles(handle byte, limit uint16) []byte {
	return []byte{ContinueListFiles, handle, byte(limit), byte(limit >> 8)}
}

// DecodeContinueListFiles returns handle and limit.
func DecodeContinueListFiles(payload []byte) (byte, uint16, error) {
	if len(payload) != 4 || payload[0] != ContinueListFiles {
		return 0, 0, fmt.Errorf("%w: continue list files", ErrInvalidReply)
	}
	return payload[1], binary.LittleEndian.Uint16(payload[2:]), nil
}

// ListReply is the first reply to ListFiles, which carries the total listing
// size ahead of the handle.
type ListReply struct {
	Status Status
	Size   uint32
	Handle byte
	Data   []byte
}

// ParseListReply parses [command][status][size u32][handle][data...].
func ParseListReply(payload []byte) (ListReply, error) {
	if len(payload) < 2 || payload[0] != ListFiles {
		return ListReply{}, fmt.Errorf("%w: list reply", ErrInvalidReply)
	}
	r := ListReply{Status: Status(payload[1])}
	if len(payload) < 7 {
		if r.Status.OK() {
			return ListReply{}, fmt.Errorf("%w: list reply %d bytes", ErrInvalidReply, len(payload))
		}
		return r, nil
	}
	r.Size = binary.LittleEndian.Uint32(payload[2:])
	r.Handle = payload[6]
	r.Data = payload[7:]
	return r, nil
}

// ListEntry is one line of a directory listing. Directories carry only a
// name ending in "/"; files are "<md5 hex> <size hex> <name>".
type ListEntry struct {
	Name string
	Dir  bool
	Size uint32
	MD5  string
}

func (e ListEntry) Format() string {
	if e.Dir {
		return strings.TrimSuffix(e.Name, "/") + "/\n"
	}
	return fmt.Sprintf("%s %08X %s\n", e.MD5, e.Size, e.Name)
}

// ParseListing decodes a complete listing.
func ParseListing(data []byte) ([]ListEntry, error) {
	var out []ListEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "/") {
			out = append(out, ListEntry{Name: strings.TrimSuffix(line, "/"), Dir: true})
			continue
		}
		sum, rest, ok1 := strings.Cut(line, " ")
		size, name, ok2 := strings.Cut(rest, " ")
		if !ok1 || !ok2 || name == "" {
			return nil, fmt.Errorf("%w: listing line %q", ErrInvalidReply, line)
		}
		n, err := strconv.ParseUint(size, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: listing size %q", ErrInvalidReply, size)
		}
		out = append(out, ListEntry{Name: name, Size: uint32(n), MD5: sum})
	}
	return out, sc.Err()
}
