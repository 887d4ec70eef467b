// Package bytecode encodes operands for the brick's direct-command
// interpreter.
//
// The interpreter decodes the first byte of every operand to learn its
// format, and does no validation beyond that: a wrong prefix or a missing
// string terminator desynchronises the rest of the command. Everything here
// is therefore exact to the bit.
//
//	short form  0b0VGx_xxxx   V=variable, G=global (constants: 6-bit value)
//	long form   0b1VGx_xSSS   SSS: 1=1 byte, 2=2 bytes, 3=4 bytes, 4=string (constants only)
package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	primLong     = 0x80
	primVariable = 0x40
	primGlobal   = 0x20
	primString   = 0x04
	prim1Byte    = 0x01
	prim2Bytes   = 0x02
	prim4Bytes   = 0x03

	shortValueMask = 0x3F
	shortIndexMask = 0x1F
)

// Limits for the direct-command variable allocation header.
const (
	MaxGlobalSize = 1023
	MaxLocalSize  = 63
)

var ErrHeaderRange = errors.New("variable allocation out of range")

// LC0 encodes a short inline constant. Only -31..31 is representable; other
// values are masked to 6 bits.
func LC0(v int) []byte {
	return []byte{byte(v) & shortValueMask}
}

// LC1 encodes a 1-byte constant.
func LC1(v int) []byte {
	return []byte{primLong | prim1Byte, byte(v)}
}

// LC2 encodes a 2-byte little-endian constant.
func LC2(v int) []byte {
	b := []byte{primLong | prim2Bytes, 0, 0}
	binary.LittleEndian.PutUint16(b[1:], uint16(v))
	return b
}

// LC4 encodes a 4-byte little-endian constant.
func LC4(v int32) []byte {
	b := []byte{primLong | prim4Bytes, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], uint32(v))
	return b
}

// LC picks the shortest constant encoding that holds v.
func LC(v int32) []byte {
	switch {
	case v >= -31 && v <= 31:
		return LC0(int(v))
	case v >= -127 && v <= 127:
		return LC1(int(v))
	case v >= -32767 && v <= 32767:
		return LC2(int(v))
	default:
		return LC4(v)
	}
}

// LCS encodes a zero-terminated string constant.
func LCS(s string) []byte {
	b := make([]byte, 0, len(s)+2)
	b = append(b, primLong|primString)
	b = append(b, s...)
	return append(b, 0)
}

// GV0 references a global variable at a small offset (0..31).
func GV0(offset int) []byte {
	return []byte{primVariable | primGlobal | byte(offset)&shortIndexMask}
}

// GV1 references a global variable at a 1-byte offset.
func GV1(offset int) []byte {
	return []byte{primLong | primVariable | primGlobal | prim1Byte, byte(offset)}
}

// LV0 references a local variable at a small offset (0..31).
func LV0(offset int) []byte {
	return []byte{primVariable | byte(offset)&shortIndexMask}
}

// LV1 references a local variable at a 1-byte offset.
func LV1(offset int) []byte {
	return []byte{primLong | primVariable | prim1Byte, byte(offset)}
}

// Header builds the two-byte allocation that prefixes a direct command:
// global bytes in the low 10 bits, local bytes in the high 6.
func Header(globalSize, localSize int) ([]byte, error) {
	if globalSize < 0 || globalSize > MaxGlobalSize || localSize < 0 || localSize > MaxLocalSize {
		return nil, fmt.Errorf("%w: global=%d local=%d", ErrHeaderRange, globalSize, localSize)
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(globalSize)|uint16(localSize)<<10)
	return b, nil
}
