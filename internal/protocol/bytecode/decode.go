package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("truncated operand")

type OperandKind int

const (
	KindConst OperandKind = iota
	KindLocal
	KindGlobal
)

// Operand is a decoded operand. Text is set for string constants; for
// variables Value is the offset.
type Operand struct {
	Kind  OperandKind
	Value int32
	Text  string
}

// ParseHeader splits the allocation header off a direct command.
func ParseHeader(cmd []byte) (globalSize, localSize int, body []byte, err error) {
	if len(cmd) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	h := binary.LittleEndian.Uint16(cmd)
	return int(h & MaxGlobalSize), int(h >> 10), cmd[2:], nil
}

// ReadOperand decodes the operand at the start of b and reports how many
// bytes it used.
func ReadOperand(b []byte) (Operand, int, error) {
	if len(b) == 0 {
		return Operand{}, 0, ErrTruncated
	}
	p := b[0]
	if p&primLong == 0 {
		switch {
		case p&primVariable == 0:
			// 6-bit two's complement.
			v := int32(p & shortValueMask)
			if v&0x20 != 0 {
				v -= 0x40
			}
			return Operand{Kind: KindConst, Value: v}, 1, nil
		case p&primGlobal != 0:
			return Operand{Kind: KindGlobal, Value: int32(p & shortIndexMask)}, 1, nil
		default:
			return Operand{Kind: KindLocal, Value: int32(p & shortIndexMask)}, 1, nil
		}
	}

	kind := KindConst
	if p&primVariable != 0 {
		kind = KindLocal
		if p&primGlobal != 0 {
			kind = KindGlobal
		}
	}
	switch p & 0x07 {
	case prim1Byte:
		if len(b) < 2 {
			return Operand{}, 0, ErrTruncated
		}
		v := int32(b[1])
		if kind == KindConst {
			v = int32(int8(b[1]))
		}
		return Operand{Kind: kind, Value: v}, 2, nil
	case prim2Bytes:
		if len(b) < 3 {
			return Operand{}, 0, ErrTruncated
		}
		v := int32(binary.LittleEndian.Uint16(b[1:]))
		if kind == KindConst {
			v = int32(int16(binary.LittleEndian.Uint16(b[1:])))
		}
		return Operand{Kind: kind, Value: v}, 3, nil
	case prim4Bytes:
		if len(b) < 5 {
			return Operand{}, 0, ErrTruncated
		}
		return Operand{Kind: kind, Value: int32(binary.LittleEndian.Uint32(b[1:]))}, 5, nil
	case primString:
		for i := 1; i < len(b); i++ {
			if b[i] == 0 {
				return Operand{Kind: KindConst, Text: string(b[1:i])}, i + 1, nil
			}
		}
		return Operand{}, 0, fmt.Errorf("%w: unterminated string", ErrTruncated)
	}
	return Operand{}, 0, fmt.Errorf("unknown operand prefix 0x%02x", p)
}
