// Package sim is an in-process stand-in for the brick. It answers the direct
// commands brickctl emits and keeps downloaded files in memory.
package sim

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"brickctl/internal/protocol/bytecode"
	"brickctl/internal/protocol/packet"
	"brickctl/internal/protocol/syscmd"
)

var errUnsupported = errors.New("unsupported opcode")

// Brick is the simulated device state. Safe for concurrent use.
type Brick struct {
	mu sync.Mutex

	voltage float32
	level   byte

	motorsStopped int
	programStops  int

	nextHandle byte
	downloads  map[byte]*download
	listings   map[byte][]byte
	files      btree.Map[string, []byte]
}

type download struct {
	path string
	size uint32
	data []byte
}

func NewBrick() *Brick {
	return &Brick{
		voltage:    7.9,
		level:      86,
		nextHandle: 1,
		downloads:  map[byte]*download{},
		listings:   map[byte][]byte{},
	}
}

// SetBattery changes what battery reads return.
func (b *Brick) SetBattery(voltage float32, level byte) {
	b.mu.Lock()
	b.voltage, b.level = voltage, level
	b.mu.Unlock()
}

// File returns a completed download.
func (b *Brick) File(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files.Get(path)
	return append([]byte(nil), data...), ok
}

// Put stores a file as if it had been downloaded.
func (b *Brick) Put(path string, data []byte) {
	b.mu.Lock()
	b.files.Set(path, append([]byte(nil), data...))
	b.mu.Unlock()
}

// Stops reports how many output-stop and program-stop ops were executed.
func (b *Brick) Stops() (motors, programs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motorsStopped, b.programStops
}

// Handle executes one request frame and returns the encoded reply, or nil for
// no-reply requests. Malformed frames get no answer, as on the real device.
func (b *Brick) Handle(frame []byte) []byte {
	req, err := packet.Decode(frame)
	if err != nil {
		return nil
	}
	var (
		typ     byte
		payload []byte
	)
	switch req.Type {
	case packet.DirectCommandReply, packet.DirectCommandNoReply:
		payload, err = b.direct(req.Payload)
		typ = packet.DirectReply
		if err != nil {
			typ = packet.DirectReplyError
		}
	case packet.SystemCommandReply, packet.SystemCommandNoReply:
		var ok bool
		payload, ok = b.system(req.Payload)
		typ = packet.SystemReply
		if !ok {
			typ = packet.SystemReplyError
		}
	default:
		return nil
	}
	if !packet.ExpectsReply(req.Type) {
		return nil
	}
	return packet.Encode(int(req.CorrelationID), int(typ), payload)
}

// direct runs a direct command and returns its global variable space.
func (b *Brick) direct(cmd []byte) ([]byte, error) {
	globalSize, _, body, err := bytecode.ParseHeader(cmd)
	if err != nil {
		return nil, err
	}
	globals := make([]byte, globalSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	args := func(n int) ([]bytecode.Operand, error) {
		out := make([]bytecode.Operand, 0, n)
		for i := 0; i < n; i++ {
			op, used, err := bytecode.ReadOperand(body)
			if err != nil {
				return nil, err
			}
			body = body[used:]
			out = append(out, op)
		}
		return out, nil
	}

	for len(body) > 0 {
		opcode := body[0]
		body = body[1:]
		switch opcode {
		case bytecode.OpNop:
		case bytecode.OpProgramStop:
			if _, err := args(1); err != nil {
				return globals, err
			}
			b.programStops++
		case bytecode.OpOutputStop:
			if _, err := args(3); err != nil {
				return globals, err
			}
			b.motorsStopped++
		case bytecode.OpUIRead:
			a, err := args(2)
			if err != nil {
				return globals, err
			}
			off := int(a[1].Value)
			switch a[0].Value {
			case bytecode.UIReadGetVBatt:
				if off+4 <= len(globals) {
					binary.LittleEndian.PutUint32(globals[off:], math.Float32bits(b.voltage))
				}
			case bytecode.UIReadGetLBatt:
				if off < len(globals) {
					globals[off] = b.level
				}
			default:
				return globals, errUnsupported
			}
		default:
			return globals, errUnsupported
		}
	}
	return globals, nil
}

func (b *Brick) system(p []byte) ([]byte, bool) {
	if len(p) == 0 {
		return []byte{0, byte(syscmd.StatusUnknownError)}, false
	}
	cmd := p[0]
	fail := func(s syscmd.Status) ([]byte, bool) { return []byte{cmd, byte(s)}, false }

	b.mu.Lock()
	defer b.mu.Unlock()

	switch cmd {
	case syscmd.BeginDownload:
		path, size, err := syscmd.DecodeBeginDownload(p)
		if err != nil || path == "" {
			return fail(syscmd.StatusIllegalPath)
		}
		h, ok := b.handleLocked()
		if !ok {
			return fail(syscmd.StatusNoHandles)
		}
		b.downloads[h] = &download{path: path, size: size}
		if size == 0 {
			b.files.Set(path, nil)
		}
		return []byte{cmd, byte(syscmd.StatusSuccess), h}, true

	case syscmd.ContinueDownload:
		if len(p) < 2 {
			return fail(syscmd.StatusUnknownError)
		}
		d, ok := b.downloads[p[1]]
		if !ok {
			return fail(syscmd.StatusUnknownHandle)
		}
		d.data = append(d.data, p[2:]...)
		if uint32(len(d.data)) > d.size {
			delete(b.downloads, p[1])
			return fail(syscmd.StatusSizeError)
		}
		status := syscmd.StatusSuccess
		if uint32(len(d.data)) == d.size {
			status = syscmd.StatusEndOfFile
			b.files.Set(d.path, d.data)
			delete(b.downloads, p[1])
		}
		return []byte{cmd, byte(status), p[1]}, true

	case syscmd.CloseFileHandle:
		if len(p) < 2 {
			return fail(syscmd.StatusUnknownError)
		}
		_, dl := b.downloads[p[1]]
		_, ls := b.listings[p[1]]
		if !dl && !ls {
			return fail(syscmd.StatusUnknownHandle)
		}
		delete(b.downloads, p[1])
		delete(b.listings, p[1])
		return []byte{cmd, byte(syscmd.StatusSuccess), p[1]}, true

	case syscmd.ListFiles:
		dir, limit, err := syscmd.DecodeListFiles(p)
		if err != nil || dir == "" {
			return fail(syscmd.StatusIllegalPath)
		}
		listing, ok := b.listLocked(dir)
		if !ok {
			return fail(syscmd.StatusIllegalPath)
		}
		h, ok := b.handleLocked()
		if !ok {
			return fail(syscmd.StatusNoHandles)
		}
		head, status := b.takeListing(h, listing, limit)
		out := []byte{cmd, byte(status), 0, 0, 0, 0, h}
		binary.LittleEndian.PutUint32(out[2:], uint32(len(listing)))
		return append(out, head...), true

	case syscmd.ContinueListFiles:
		h, limit, err := syscmd.DecodeContinueListFiles(p)
		if err != nil {
			return fail(syscmd.StatusUnknownError)
		}
		rest, ok := b.listings[h]
		if !ok {
			return fail(syscmd.StatusUnknownHandle)
		}
		part, status := b.takeListing(h, rest, limit)
		return append([]byte{cmd, byte(status), h}, part...), true

	case syscmd.DeleteFile:
		path := string(p[1:])
		if n := len(path); n > 0 && path[n-1] == 0 {
			path = path[:n-1]
		}
		if _, ok := b.files.Delete(path); !ok {
			return fail(syscmd.StatusIllegalPath)
		}
		return []byte{cmd, byte(syscmd.StatusSuccess)}, true
	}
	return fail(syscmd.StatusUnknownError)
}

// handleLocked hands out a file handle; the brick has 16.
func (b *Brick) handleLocked() (byte, bool) {
	if len(b.downloads)+len(b.listings) >= 16 {
		return 0, false
	}
	for {
		h := b.nextHandle
		b.nextHandle++
		_, dl := b.downloads[h]
		_, ls := b.listings[h]
		if !dl && !ls {
			return h, true
		}
	}
}

// takeListing returns up to limit bytes of data and parks the rest under h.
func (b *Brick) takeListing(h byte, data []byte, limit uint16) ([]byte, syscmd.Status) {
	n := min(int(limit), len(data))
	if n == len(data) {
		delete(b.listings, h)
		return data, syscmd.StatusEndOfFile
	}
	b.listings[h] = data[n:]
	return data[:n], syscmd.StatusSuccess
}

// listLocked renders the direct children of dir. Files are stored under full
// paths, so subdirectories are derived from the next path segment.
func (b *Brick) listLocked(dir string) ([]byte, bool) {
	prefix := dir
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var (
		out     []byte
		lastDir string
		found   bool
	)
	b.files.Ascend(prefix, func(path string, data []byte) bool {
		if !strings.HasPrefix(path, prefix) {
			return false
		}
		found = true
		rest := path[len(prefix):]
		if sub, _, ok := strings.Cut(rest, "/"); ok {
			if sub != lastDir {
				lastDir = sub
				out = append(out, syscmd.ListEntry{Name: sub, Dir: true}.Format()...)
			}
			return true
		}
		sum := md5.Sum(data)
		out = append(out, syscmd.ListEntry{
			Name: rest,
			Size: uint32(len(data)),
			MD5:  strings.ToUpper(hex.EncodeToString(sum[:])),
		}.Format()...)
		return true
	})
	return out, found
}
