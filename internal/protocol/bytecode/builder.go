package bytecode

// Builder accumulates one direct command: the allocation header followed by
// opcodes and their operands.
type Builder struct {
	buf []byte
	err error
}

// NewDirect starts a direct command that reserves globalSize bytes of reply
// space and localSize bytes of scratch space on the brick.
func NewDirect(globalSize, localSize int) *Builder {
	h, err := Header(globalSize, localSize)
	return &Builder{buf: h, err: err}
}

func (b *Builder) Op(code byte) *Builder {
	b.buf = append(b.buf, code)
	return b
}

// Raw appends pre-encoded operand bytes, typically from LC*/GV*/LV*.
func (b *Builder) Raw(operands ...[]byte) *Builder {
	for _, o := range operands {
		b.buf = append(b.buf, o...)
	}
	return b
}

func (b *Builder) Const(v int32) *Builder { return b.Raw(LC(v)) }
func (b *Builder) Text(s string) *Builder { return b.Raw(LCS(s)) }
func (b *Builder) Global(offset int) *Builder {
	if offset <= shortIndexMask {
		return b.Raw(GV0(offset))
	}
	return b.Raw(GV1(offset))
}

// Bytes returns the payload, or the header error if the allocation was out
// of range.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return append([]byte(nil), b.buf...), nil
}
