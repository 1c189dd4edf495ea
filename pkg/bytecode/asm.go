package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Assembler builds a method body instruction stream with label-based
// branch fixups. It is used by the image builder and by tests; the
// execution core only ever consumes the encoded form.
type Assembler struct {
	code     []byte
	labels   map[string]uint32
	fixups   []fixup
	locals   []TypeSig
	captured []uint16
	regions  []Region
	maxStack uint16
	flags    BodyFlags

	regionLabels []regionLabels
}

type fixup struct {
	at    uint32 // offset of the i32 operand to patch
	next  uint32 // offset of the following instruction
	label string
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]uint32)}
}

// AddLocal appends a local variable and returns its slot index.
func (a *Assembler) AddLocal(sig TypeSig) uint16 {
	a.locals = append(a.locals, sig)
	return uint16(len(a.locals) - 1)
}

// Capture marks a local slot as captured by closures.
func (a *Assembler) Capture(slot uint16) {
	a.captured = append(a.captured, slot)
	a.flags |= BodyFlagHasCaptures
}

// SetMaxStack records the maximum evaluation stack depth.
func (a *Assembler) SetMaxStack(n uint16) { a.maxStack = n }

// Here returns the current code offset.
func (a *Assembler) Here() uint32 { return uint32(len(a.code)) }

// Label binds name to the current code offset.
func (a *Assembler) Label(name string) {
	a.labels[name] = a.Here()
}

// Emit appends an operand-less instruction.
func (a *Assembler) Emit(op Opcode) {
	a.code = append(a.code, byte(op))
}

// EmitU16 appends an instruction with a u16 operand.
func (a *Assembler) EmitU16(op Opcode, v uint16) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint16(a.code, v)
}

// EmitI32 appends an instruction with an i32 operand.
func (a *Assembler) EmitI32(op Opcode, v int32) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint32(a.code, uint32(v))
}

// EmitI64 appends an instruction with an i64 operand.
func (a *Assembler) EmitI64(op Opcode, v int64) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint64(a.code, uint64(v))
}

// EmitU32 appends an instruction with a u32 operand (tokens, heap offsets).
func (a *Assembler) EmitU32(op Opcode, v uint32) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint32(a.code, v)
}

// EmitU64 appends an instruction with a u64 operand.
func (a *Assembler) EmitU64(op Opcode, v uint64) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// EmitMD appends a multi-dimensional array instruction (token + rank).
func (a *Assembler) EmitMD(op Opcode, token uint32, rank uint8) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint32(a.code, token)
	a.code = append(a.code, rank)
}

// EmitBranch appends a branch instruction targeting a label, recording a
// fixup resolved at Finish time.
func (a *Assembler) EmitBranch(op Opcode, label string) {
	a.code = append(a.code, byte(op))
	at := a.Here()
	a.code = binary.LittleEndian.AppendUint32(a.code, 0)
	a.fixups = append(a.fixups, fixup{at: at, next: a.Here(), label: label})
}

// Region appends a protected region whose offsets are given as labels.
func (a *Assembler) Region(kind HandlerKind, depth uint8, catchToken uint32, tryStart, tryEnd, filterStart, handlerStart, handlerEnd string) {
	a.regions = append(a.regions, Region{Kind: kind, Depth: depth, CatchToken: catchToken})
	i := len(a.regions) - 1
	// Labels are resolved in Finish; store names via side table.
	a.regionLabels = append(a.regionLabels, regionLabels{
		index: i, tryStart: tryStart, tryEnd: tryEnd,
		filterStart: filterStart, handlerStart: handlerStart, handlerEnd: handlerEnd,
	})
}

type regionLabels struct {
	index                                               int
	tryStart, tryEnd, filterStart, handlerStart, handlerEnd string
}

// Finish resolves all fixups and returns the assembled body.
func (a *Assembler) Finish() (*MethodBody, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("assembler: undefined label %q", f.label)
		}
		rel := int64(target) - int64(f.next)
		binary.LittleEndian.PutUint32(a.code[f.at:], uint32(int32(rel)))
	}
	for _, rl := range a.regionLabels {
		r := &a.regions[rl.index]
		var err error
		if r.TryStart, err = a.resolve(rl.tryStart); err != nil {
			return nil, err
		}
		if r.TryEnd, err = a.resolve(rl.tryEnd); err != nil {
			return nil, err
		}
		if rl.filterStart != "" {
			if r.FilterStart, err = a.resolve(rl.filterStart); err != nil {
				return nil, err
			}
		}
		if r.HandlerStart, err = a.resolve(rl.handlerStart); err != nil {
			return nil, err
		}
		if r.HandlerEnd, err = a.resolve(rl.handlerEnd); err != nil {
			return nil, err
		}
	}
	body := &MethodBody{
		Flags:    a.flags | BodyFlagInitLocals,
		MaxStack: a.maxStack,
		Locals:   a.locals,
		Captured: a.captured,
		Code:     a.code,
		Regions:  a.regions,
	}
	if err := body.ValidateRegions(); err != nil {
		return nil, fmt.Errorf("assembler: %w", err)
	}
	return body, nil
}

func (a *Assembler) resolve(label string) (uint32, error) {
	off, ok := a.labels[label]
	if !ok {
		return 0, fmt.Errorf("assembler: undefined region label %q", label)
	}
	return off, nil
}

// MustFinish is Finish that panics on error; for fixtures and tests.
func (a *Assembler) MustFinish() *MethodBody {
	b, err := a.Finish()
	if err != nil {
		panic(err)
	}
	return b
}
