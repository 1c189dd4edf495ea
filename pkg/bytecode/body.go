package bytecode

import (
	"encoding/binary"
	"fmt"
)

// BodyVersion is the current method body format version.
const BodyVersion uint8 = 1

// BodyFlags contains per-body flags.
type BodyFlags uint16

const (
	// BodyFlagHasCaptures indicates some locals are captured by closures
	// and must be relocated into a heap capture frame.
	BodyFlagHasCaptures BodyFlags = 1 << 0

	// BodyFlagInitLocals indicates locals must be zero-initialized.
	BodyFlagInitLocals BodyFlags = 1 << 1
)

// HandlerKind classifies a protected-region handler.
type HandlerKind uint8

const (
	HandlerCatch   HandlerKind = 0 // typed catch clause
	HandlerFilter  HandlerKind = 1 // filter predicate + handler
	HandlerFinally HandlerKind = 2 // finally clause
)

// String returns a human-readable name for the handler kind.
func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerFilter:
		return "filter"
	case HandlerFinally:
		return "finally"
	default:
		return fmt.Sprintf("HandlerKind(%d)", uint8(k))
	}
}

// Region describes one protected region: a try range and its handler.
// Offsets are byte offsets into the body's code.
type Region struct {
	TryStart     uint32
	TryEnd       uint32 // exclusive
	Kind         HandlerKind
	CatchToken   uint32 // catch: declared exception type
	FilterStart  uint32 // filter: predicate entry offset
	HandlerStart uint32
	HandlerEnd   uint32 // exclusive
	Depth        uint8  // nesting depth, 0 = outermost
}

// Contains reports whether the code offset lies inside the try range.
func (r Region) Contains(offset uint32) bool {
	return offset >= r.TryStart && offset < r.TryEnd
}

// InHandler reports whether the code offset lies inside the handler range.
func (r Region) InHandler(offset uint32) bool {
	return offset >= r.HandlerStart && offset < r.HandlerEnd
}

// MethodBody is the compiler's unit of translation: one method's
// instruction stream plus its locals and protected-region table.
type MethodBody struct {
	Flags    BodyFlags
	MaxStack uint16
	Locals   []TypeSig
	Captured []uint16 // indices into Locals relocated to the capture frame
	Code     []byte
	Regions  []Region
}

// HasCaptures reports whether any locals are captured by closures.
func (b *MethodBody) HasCaptures() bool {
	return b.Flags&BodyFlagHasCaptures != 0 && len(b.Captured) > 0
}

// IsCaptured reports whether the given local slot is relocated to the
// capture frame.
func (b *MethodBody) IsCaptured(slot uint16) bool {
	for _, c := range b.Captured {
		if c == slot {
			return true
		}
	}
	return false
}

// CaptureSlot returns the capture-frame slot for a captured local, or -1.
func (b *MethodBody) CaptureSlot(slot uint16) int {
	for i, c := range b.Captured {
		if c == slot {
			return i
		}
	}
	return -1
}

// ValidateRegions checks the well-formedness rule: any two regions are
// either disjoint or strictly nested, never partially overlapping.
func (b *MethodBody) ValidateRegions() error {
	for i, a := range b.Regions {
		if a.TryEnd <= a.TryStart {
			return fmt.Errorf("region %d: empty try range [%d,%d)", i, a.TryStart, a.TryEnd)
		}
		if a.HandlerEnd <= a.HandlerStart {
			return fmt.Errorf("region %d: empty handler range", i)
		}
		if int(a.TryEnd) > len(b.Code) || int(a.HandlerEnd) > len(b.Code) {
			return fmt.Errorf("region %d: range exceeds code length %d", i, len(b.Code))
		}
		for j := i + 1; j < len(b.Regions); j++ {
			c := b.Regions[j]
			if rangesPartiallyOverlap(a.TryStart, a.TryEnd, c.TryStart, c.TryEnd) {
				return fmt.Errorf("regions %d and %d: try ranges partially overlap", i, j)
			}
		}
	}
	return nil
}

func rangesPartiallyOverlap(aStart, aEnd, bStart, bEnd uint32) bool {
	// Disjoint.
	if aEnd <= bStart || bEnd <= aStart {
		return false
	}
	// Nested either way.
	if aStart <= bStart && bEnd <= aEnd {
		return false
	}
	if bStart <= aStart && aEnd <= bEnd {
		return false
	}
	return true
}

// ----------------------------------------------------------------------------
// Instruction decoding
// ----------------------------------------------------------------------------

// Instr is one decoded instruction.
type Instr struct {
	Offset uint32
	Op     Opcode
	Arg    uint64 // raw operand value (sign handling is the consumer's job)
	Rank   uint8  // second operand for multi-dimensional array opcodes
}

// I32 returns the operand as a signed 32-bit value.
func (in Instr) I32() int32 { return int32(uint32(in.Arg)) }

// I64 returns the operand as a signed 64-bit value.
func (in Instr) I64() int64 { return int64(in.Arg) }

// U16 returns the operand as a 16-bit value.
func (in Instr) U16() uint16 { return uint16(in.Arg) }

// Token returns the operand as a metadata token.
func (in Instr) Token() uint32 { return uint32(in.Arg) }

// Next returns the offset of the following instruction.
func (in Instr) Next() uint32 { return in.Offset + uint32(in.Op.Size()) }

// BranchTarget returns the absolute target offset for branch instructions.
func (in Instr) BranchTarget() uint32 {
	return uint32(int64(in.Next()) + int64(in.I32()))
}

// DecodeInstr decodes the instruction at offset in code.
func DecodeInstr(code []byte, offset uint32) (Instr, error) {
	if int(offset) >= len(code) {
		return Instr{}, fmt.Errorf("instruction offset %d out of range", offset)
	}
	op := Opcode(code[offset])
	if !op.Known() {
		return Instr{}, fmt.Errorf("unknown opcode 0x%02X at offset %d", byte(op), offset)
	}
	in := Instr{Offset: offset, Op: op}
	kind := op.Operand()
	operand := code[offset+1:]
	if len(operand) < kind.Width() {
		return Instr{}, fmt.Errorf("truncated operand for %s at offset %d", op, offset)
	}
	switch kind {
	case OperandU8:
		in.Arg = uint64(operand[0])
	case OperandU16:
		in.Arg = uint64(binary.LittleEndian.Uint16(operand))
	case OperandI32, OperandU32:
		in.Arg = uint64(binary.LittleEndian.Uint32(operand))
	case OperandI64, OperandU64:
		in.Arg = binary.LittleEndian.Uint64(operand)
	case OperandU32U8:
		in.Arg = uint64(binary.LittleEndian.Uint32(operand))
		in.Rank = operand[4]
	}
	return in, nil
}

// Instructions decodes the whole code stream in order.
func (b *MethodBody) Instructions() ([]Instr, error) {
	var out []Instr
	for off := uint32(0); int(off) < len(b.Code); {
		in, err := DecodeInstr(b.Code, off)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		off = in.Next()
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Binary serialization (blob heap format)
// ----------------------------------------------------------------------------

// Marshal encodes the body into its blob-heap byte form.
func (b *MethodBody) Marshal() []byte {
	buf := make([]byte, 0, 32+len(b.Code))
	buf = append(buf, BodyVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(b.Flags))
	buf = binary.LittleEndian.AppendUint16(buf, b.MaxStack)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b.Locals)))
	for _, l := range b.Locals {
		buf = EncodeTypeSig(buf, l)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b.Captured)))
	for _, c := range b.Captured {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Code)))
	buf = append(buf, b.Code...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b.Regions)))
	for _, r := range b.Regions {
		buf = binary.LittleEndian.AppendUint32(buf, r.TryStart)
		buf = binary.LittleEndian.AppendUint32(buf, r.TryEnd)
		buf = append(buf, byte(r.Kind), r.Depth)
		buf = binary.LittleEndian.AppendUint32(buf, r.CatchToken)
		buf = binary.LittleEndian.AppendUint32(buf, r.FilterStart)
		buf = binary.LittleEndian.AppendUint32(buf, r.HandlerStart)
		buf = binary.LittleEndian.AppendUint32(buf, r.HandlerEnd)
	}
	return buf
}

// UnmarshalBody decodes a method body from its blob-heap byte form.
func UnmarshalBody(data []byte) (*MethodBody, error) {
	r := bodyReader{data: data}
	version := r.u8()
	if version != BodyVersion {
		return nil, fmt.Errorf("method body: unsupported version %d", version)
	}
	b := &MethodBody{}
	b.Flags = BodyFlags(r.u16())
	b.MaxStack = r.u16()
	localCount := int(r.u16())
	if r.err != nil {
		return nil, fmt.Errorf("method body: %w", r.err)
	}
	b.Locals = make([]TypeSig, 0, localCount)
	for i := 0; i < localCount; i++ {
		sig, n, err := DecodeTypeSig(r.data[r.pos:])
		if err != nil {
			return nil, fmt.Errorf("method body local %d: %w", i, err)
		}
		b.Locals = append(b.Locals, sig)
		r.pos += n
	}
	capCount := int(r.u16())
	for i := 0; i < capCount; i++ {
		b.Captured = append(b.Captured, r.u16())
	}
	codeLen := int(r.u32())
	if r.err != nil {
		return nil, fmt.Errorf("method body: %w", r.err)
	}
	if r.pos+codeLen > len(r.data) {
		return nil, fmt.Errorf("method body: truncated code (want %d bytes)", codeLen)
	}
	b.Code = make([]byte, codeLen)
	copy(b.Code, r.data[r.pos:r.pos+codeLen])
	r.pos += codeLen
	regionCount := int(r.u16())
	for i := 0; i < regionCount; i++ {
		var reg Region
		reg.TryStart = r.u32()
		reg.TryEnd = r.u32()
		reg.Kind = HandlerKind(r.u8())
		reg.Depth = r.u8()
		reg.CatchToken = r.u32()
		reg.FilterStart = r.u32()
		reg.HandlerStart = r.u32()
		reg.HandlerEnd = r.u32()
		b.Regions = append(b.Regions, reg)
	}
	if r.err != nil {
		return nil, fmt.Errorf("method body: %w", r.err)
	}
	if err := b.ValidateRegions(); err != nil {
		return nil, fmt.Errorf("method body: %w", err)
	}
	return b, nil
}

type bodyReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bodyReader) u8() uint8 {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.fail()
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *bodyReader) u16() uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *bodyReader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *bodyReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("truncated at byte %d", r.pos)
	}
}
